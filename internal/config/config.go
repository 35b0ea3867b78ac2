// Package config holds the small set of runtime tunables the CLI
// assembles from its positional arguments plus the defaults named
// throughout the specification's timeout table (§5).
package config

import "time"

// Config is the orchestrator's runtime configuration.
type Config struct {
	ListenPort  int
	TorrentPath string
	DownloadDir string

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	AnnounceTimeout  time.Duration
	FailureBackoff   time.Duration
}

// Default returns a Config for the given positional CLI arguments, with
// every timeout at its spec-mandated default.
func Default(listenPort int, torrentPath, downloadDir string) Config {
	return Config{
		ListenPort:       listenPort,
		TorrentPath:      torrentPath,
		DownloadDir:      downloadDir,
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      120 * time.Second,
		AnnounceTimeout:  30 * time.Second,
		FailureBackoff:   15 * time.Second,
	}
}
