package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jhenkens/research-bittorrent/internal/client"
	"github.com/jhenkens/research-bittorrent/internal/config"
	"github.com/jhenkens/research-bittorrent/internal/metainfo"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: gotorrent <listen-port> <torrent-file> <download-dir>")
		os.Exit(1)
	}

	listenPort, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid listening port %q: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	torrentPath := os.Args[2]
	downloadDir := os.Args[3]

	f, err := os.Open(torrentPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open torrent file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create download directory: %v\n", err)
		os.Exit(1)
	}

	logOut, err := os.Create("log.txt")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: slog.LevelInfo}))

	desc, err := metainfo.Parse(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid torrent file: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default(listenPort, torrentPath, downloadDir)
	c := client.New(desc, downloadDir, listenPort, logger, cfg)
	if err := c.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start client: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	c.Stop()
	os.Exit(0)
}
