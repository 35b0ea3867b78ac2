// Package client wires the tracker set, the peer session map, and the
// piece store into a running BitTorrent client (§4.G).
package client

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/jhenkens/research-bittorrent/internal/config"
	"github.com/jhenkens/research-bittorrent/internal/metainfo"
	"github.com/jhenkens/research-bittorrent/internal/peer"
	"github.com/jhenkens/research-bittorrent/internal/piecestore"
	"github.com/jhenkens/research-bittorrent/internal/tracker"
)

// peerIDPrefix is the conventional Azureus-style client identification
// prefix embedded in the 20-byte local peer id.
const peerIDPrefix = "-GT0001-"

// Client is the orchestrator: it owns the descriptor, the piece store,
// the tracker set, and the peer session map, and turns tracker/store
// events into the corresponding peer-wire actions.
type Client struct {
	desc       *metainfo.Descriptor
	store      *piecestore.Store
	log        *slog.Logger
	listenPort int
	peerID     [20]byte
	cfg        config.Config

	trackers []*tracker.Tracker

	mu       sync.Mutex
	sessions map[string]*peer.Session
	listener net.Listener
	stopped  bool
}

// New builds an orchestrator for desc, downloading into downloadDir, and
// listening on listenPort for inbound peer connections. cfg supplies the
// handshake/idle/announce timeouts threaded down into every tracker and
// peer session it creates; the zero value falls back to config.Default's
// spec-mandated timeouts.
func New(desc *metainfo.Descriptor, downloadDir string, listenPort int, log *slog.Logger, cfg config.Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg == (config.Config{}) {
		cfg = config.Default(listenPort, "", downloadDir)
	}
	store := piecestore.Open(desc, downloadDir, log)

	c := &Client{
		desc:       desc,
		store:      store,
		log:        log,
		listenPort: listenPort,
		peerID:     generatePeerID(),
		cfg:        cfg,
		sessions:   make(map[string]*peer.Session),
	}

	for _, url := range desc.Trackers {
		t := tracker.New(url, cfg.AnnounceTimeout, cfg.FailureBackoff, log)
		t.OnPeerListUpdated(c.handlePeerListUpdated)
		c.trackers = append(c.trackers, t)
	}

	store.OnVerified(c.handlePieceVerified)

	return c
}

func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	rand.Read(id[len(peerIDPrefix):])
	return id
}

// Store exposes the piece store, e.g. for progress reporting by the CLI.
func (c *Client) Store() *piecestore.Store { return c.store }

// Start reifies prior progress, opens the listener, and issues a Started
// announce to every tracker. It returns once the listener is open; the
// accept loop and tracker announces continue in the background.
func (c *Client) Start() error {
	c.log.Info("verifying existing pieces", slog.Int("piece_count", c.desc.PieceCount()))
	c.store.VerifyAll()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.listenPort))
	if err != nil {
		return fmt.Errorf("client: listening on port %d: %w", c.listenPort, err)
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	go c.acceptLoop(ln)

	for _, t := range c.trackers {
		go c.announce(t, tracker.Started)
	}

	return nil
}

func (c *Client) announce(t *tracker.Tracker, event tracker.Event) {
	t.Announce(c.desc, event, c.peerID, c.listenPort, c.store.Uploaded(), c.store.Downloaded(), c.store.Left())
}

// Stop issues a Stopped announce to every tracker and closes the
// listener and all active sessions. Cancellation closes every socket;
// blocked reads/writes return an error and their owning goroutine exits.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	ln := c.listener
	sessions := make([]*peer.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, t := range c.trackers {
		c.announce(t, tracker.Stopped)
	}

	if ln != nil {
		ln.Close()
	}
	for _, s := range sessions {
		s.Close()
	}
}

func (c *Client) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed by Stop
		}
		go c.handleInbound(conn)
	}
}

func (c *Client) handleInbound(conn net.Conn) {
	endpoint := conn.RemoteAddr().String()
	s := peer.New(endpoint, conn, c.desc, c.store, c.peerID, c, c.log)
	s.SetTimeouts(c.cfg.HandshakeTimeout, c.cfg.IdleTimeout)
	c.registerSession(endpoint, s)
	if err := s.Inbound(c.desc.InfoHash); err != nil {
		c.log.Info("inbound handshake failed", slog.String("endpoint", endpoint), slog.Any("error", err))
	}
}

func (c *Client) handlePeerListUpdated(endpoints []tracker.Endpoint) {
	for _, ep := range endpoints {
		endpoint := ep.String()
		c.mu.Lock()
		_, exists := c.sessions[endpoint]
		stopped := c.stopped
		c.mu.Unlock()
		if exists || stopped {
			continue
		}
		go c.dialOutbound(endpoint)
	}
}

func (c *Client) dialOutbound(endpoint string) {
	conn, err := net.DialTimeout("tcp", endpoint, c.cfg.HandshakeTimeout)
	if err != nil {
		c.log.Info("outbound dial failed", slog.String("endpoint", endpoint), slog.Any("error", err))
		return
	}
	s := peer.New(endpoint, conn, c.desc, c.store, c.peerID, c, c.log)
	s.SetTimeouts(c.cfg.HandshakeTimeout, c.cfg.IdleTimeout)
	c.registerSession(endpoint, s)
	if err := s.Outbound(c.desc.InfoHash); err != nil {
		c.log.Info("outbound handshake failed", slog.String("endpoint", endpoint), slog.Any("error", err))
	}
}

func (c *Client) registerSession(endpoint string, s *peer.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[endpoint] = s
}

// handlePieceVerified broadcasts Have(p) to every active session, fired
// at most once per piece per startup.
func (c *Client) handlePieceVerified(p int) {
	for _, s := range c.activeSessions() {
		if err := s.SendHave(p); err != nil {
			c.log.Info("failed to send have", slog.String("endpoint", s.Endpoint), slog.Any("error", err))
		}
	}
}

func (c *Client) activeSessions() []*peer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*peer.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s.State() == peer.Active {
			out = append(out, s)
		}
	}
	return out
}

// BlockRequested implements peer.Dispatcher: serves the exact requested
// byte range if we are not choking the requester. The requester is not
// required to ask in block-aligned, single-block units, so this reads
// [begin, begin+length) directly rather than assuming a fixed block
// size. Choking/unchoking policy itself is left to the policy hooks a
// conformant implementation may layer on top.
func (c *Client) BlockRequested(s *peer.Session, piece, begin, length int) {
	data := make([]byte, length)
	off := int64(piece)*c.desc.PieceSize + int64(begin)
	if err := c.store.ReadRange(off, data); err != nil {
		c.log.Info("failed to read requested range", slog.Any("error", err))
		return
	}
	if err := s.SendPiece(piece, begin, data); err != nil {
		c.log.Info("failed to send piece", slog.String("endpoint", s.Endpoint), slog.Any("error", err))
	}
}

// BlockCancelled implements peer.Dispatcher. No in-flight response queue
// is modeled here; a conformant implementation may use this to drop a
// not-yet-sent Piece reply.
func (c *Client) BlockCancelled(s *peer.Session, piece, begin, length int) {
	c.log.Info("block cancelled", slog.String("endpoint", s.Endpoint), slog.Int("piece", piece))
}

// StateChanged implements peer.Dispatcher. Left as a policy hook: a
// rarest-first/choking strategy would observe remote_has and the
// choke/interest flags here.
func (c *Client) StateChanged(s *peer.Session) {}

// Disconnected implements peer.Dispatcher: removes the session from the
// map on closure.
func (c *Client) Disconnected(s *peer.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.Endpoint] == s {
		delete(c.sessions, s.Endpoint)
	}
}

// ListenPort returns the configured listen port.
func (c *Client) ListenPort() int { return c.listenPort }

// PeerID returns the local 20-byte peer id used in handshakes and
// announces.
func (c *Client) PeerID() [20]byte { return c.peerID }

// ListenPortString is a convenience for logging/config display.
func (c *Client) ListenPortString() string { return strconv.Itoa(c.listenPort) }
