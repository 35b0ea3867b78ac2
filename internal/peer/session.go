// Package peer drives the per-connection BitTorrent peer-wire state
// machine: handshake, the four-quadrant choke/interest flags, and
// request/piece/cancel dispatch.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jhenkens/research-bittorrent/internal/metainfo"
	"github.com/jhenkens/research-bittorrent/internal/piecestore"
	"github.com/jhenkens/research-bittorrent/internal/wire"
)

// State is a session's position in its StateNew -> Handshaking -> Active ->
// Closed lifecycle. Closure is terminal.
type State int

const (
	StateNew State = iota
	Handshaking
	Active
	Closed
)

const (
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 120 * time.Second
	keepAliveMinGap  = 30 * time.Second
	keepAliveMaxGap  = 90 * time.Second
)

// ErrInfoHashMismatch is a ProtocolViolation: the remote peer's handshake
// advertised a different infohash than ours.
var ErrInfoHashMismatch = errors.New("peer: infohash mismatch")

// Dispatcher receives events a Session cannot resolve on its own: it owns
// the policy of whether/how to answer a block request, and wants to know
// about every state transition and cancellation so it can rebalance
// other sessions.
type Dispatcher interface {
	BlockRequested(s *Session, piece, begin, length int)
	BlockCancelled(s *Session, piece, begin, length int)
	StateChanged(s *Session)
	Disconnected(s *Session)
}

// Session is one peer-wire connection's mutable state (§3 "Peer session
// state").
type Session struct {
	Endpoint string

	conn net.Conn
	desc *metainfo.Descriptor
	store *piecestore.Store
	log  *slog.Logger
	disp Dispatcher

	localPeerID [20]byte

	handshakeTimeoutDur time.Duration
	idleTimeoutDur      time.Duration

	writeMu sync.Mutex

	mu               sync.Mutex
	state            State
	remoteHas        []bool
	blockRequested   [][]bool
	weChokeThem      bool
	theyChokeUs      bool
	weInterested     bool
	theyInterested   bool
	handshakeSent    bool
	handshakeReceived bool
	connected        bool
	disconnected     bool
	lastActive       time.Time
	lastKeepAlive    time.Time
	lastSent         time.Time
	bytesUp          int64
	bytesDown        int64
}

// New builds a session around an already-open TCP connection. Callers
// use Outbound or Inbound to drive the handshake and read loop depending
// on connection direction.
func New(endpoint string, conn net.Conn, desc *metainfo.Descriptor, store *piecestore.Store, localPeerID [20]byte, disp Dispatcher, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	blockRequested := make([][]bool, desc.PieceCount())
	for p := range blockRequested {
		blockRequested[p] = make([]bool, desc.BlockCount(p))
	}
	return &Session{
		Endpoint:            endpoint,
		conn:                conn,
		desc:                desc,
		store:               store,
		log:                 log,
		disp:                disp,
		localPeerID:         localPeerID,
		weChokeThem:         true,
		theyChokeUs:         true,
		remoteHas:           make([]bool, desc.PieceCount()),
		blockRequested:      blockRequested,
		lastActive:          time.Now(),
		handshakeTimeoutDur: handshakeTimeout,
		idleTimeoutDur:      idleTimeout,
	}
}

// SetTimeouts overrides the handshake and idle timeouts (defaults: 10s
// and 120s per §5) before the session is started. Used by the
// orchestrator to thread configured values through.
func (s *Session) SetTimeouts(handshake, idle time.Duration) {
	s.handshakeTimeoutDur = handshake
	s.idleTimeoutDur = idle
}

// Outbound drives the handshake as the connecting side, then runs the
// read loop until the session closes. Blocks until the session ends.
func (s *Session) Outbound(infoHash [20]byte) error {
	if err := s.handshake(infoHash, true); err != nil {
		s.Close()
		return err
	}
	s.runReadLoop()
	return nil
}

// Inbound drives the handshake as the accepting side, then runs the read
// loop until the session closes. Blocks until the session ends.
func (s *Session) Inbound(infoHash [20]byte) error {
	if err := s.handshake(infoHash, false); err != nil {
		s.Close()
		return err
	}
	s.runReadLoop()
	return nil
}

func (s *Session) handshake(infoHash [20]byte, outbound bool) error {
	s.mu.Lock()
	s.state = Handshaking
	s.mu.Unlock()

	s.conn.SetDeadline(time.Now().Add(s.handshakeTimeoutDur))
	defer s.conn.SetDeadline(time.Time{})

	ours := wire.Handshake{InfoHash: infoHash, PeerID: s.localPeerID}

	writeOurs := func() error {
		if err := wire.WriteHandshake(s.conn, ours); err != nil {
			return fmt.Errorf("peer: writing handshake: %w", err)
		}
		s.mu.Lock()
		s.handshakeSent = true
		s.mu.Unlock()
		return nil
	}
	readTheirs := func() (wire.Handshake, error) {
		theirs, err := wire.ReadHandshake(s.conn)
		if err != nil {
			return theirs, fmt.Errorf("peer: reading handshake: %w", err)
		}
		s.mu.Lock()
		s.handshakeReceived = true
		s.mu.Unlock()
		return theirs, nil
	}

	var theirs wire.Handshake
	var err error
	if outbound {
		if err = writeOurs(); err != nil {
			return err
		}
		theirs, err = readTheirs()
	} else {
		theirs, err = readTheirs()
		if err == nil {
			err = writeOurs()
		}
	}
	if err != nil {
		return err
	}

	if theirs.InfoHash != infoHash {
		return fmt.Errorf("%w: expected %x, got %x", ErrInfoHashMismatch, infoHash, theirs.InfoHash)
	}

	s.mu.Lock()
	s.connected = true
	s.state = Active
	s.lastActive = time.Now()
	s.mu.Unlock()

	return s.sendBitfield()
}

func (s *Session) sendBitfield() error {
	bits := wire.EncodeBitfield(s.store.VerifiedSnapshot())
	return s.writeMessage(wire.Message{ID: wire.Bitfield, Payload: bits})
}

func (s *Session) runReadLoop() {
	keepAliveDone := make(chan struct{})
	go s.keepAliveLoop(keepAliveDone)
	defer close(keepAliveDone)

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.idleTimeoutDur))
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			s.log.Info("peer session closing on read error", slog.String("endpoint", s.Endpoint), slog.Any("error", err))
			s.Close()
			return
		}

		s.mu.Lock()
		s.lastActive = time.Now()
		s.mu.Unlock()

		if err := s.dispatch(msg); err != nil {
			s.log.Warn("peer session closing on protocol violation", slog.String("endpoint", s.Endpoint), slog.Any("error", err))
			s.Close()
			return
		}
	}
}

func (s *Session) dispatch(msg wire.Message) error {
	switch msg.ID {
	case wire.KeepAlive:
		return nil
	case wire.Choke:
		s.setFlag(func() { s.theyChokeUs = true })
		return nil
	case wire.Unchoke:
		s.setFlag(func() { s.theyChokeUs = false })
		return nil
	case wire.Interested:
		s.setFlag(func() { s.theyInterested = true })
		return nil
	case wire.NotInterested:
		s.setFlag(func() { s.theyInterested = false })
		return nil
	case wire.Have:
		p, err := wire.ParseHavePayload(msg.Payload)
		if err != nil {
			return err
		}
		if p < 0 || p >= len(s.remoteHas) {
			return fmt.Errorf("%w: have index %d out of range", wire.ErrProtocolViolation, p)
		}
		s.setFlag(func() { s.remoteHas[p] = true })
		return nil
	case wire.Bitfield:
		if len(msg.Payload) != wire.BitfieldLen(s.desc.PieceCount())-1 {
			return fmt.Errorf("%w: bitfield length mismatch", wire.ErrProtocolViolation)
		}
		bits := wire.DecodeBitfield(msg.Payload, s.desc.PieceCount())
		s.setFlag(func() {
			for i, have := range bits {
				if have {
					s.remoteHas[i] = true
				}
			}
		})
		return nil
	case wire.Request:
		p, begin, length, err := wire.ParseRequestPayload(msg.Payload)
		if err != nil {
			return err
		}
		if length > wire.MaxRequestLength || int64(begin+length) > s.desc.PieceLen(p) {
			return fmt.Errorf("%w: request out of piece bounds", wire.ErrProtocolViolation)
		}
		s.mu.Lock()
		choking := s.weChokeThem
		s.mu.Unlock()
		if !choking && s.disp != nil {
			s.disp.BlockRequested(s, p, begin, length)
		}
		return nil
	case wire.Piece:
		p, begin, data, err := wire.ParsePiecePayload(msg.Payload)
		if err != nil {
			return err
		}
		block := begin / metainfo.BlockSize
		s.mu.Lock()
		s.bytesDown += int64(len(data))
		if p >= 0 && p < len(s.blockRequested) && block >= 0 && block < len(s.blockRequested[p]) {
			s.blockRequested[p][block] = false
		}
		s.mu.Unlock()
		return s.store.WriteBlock(p, block, data)
	case wire.Cancel:
		p, begin, length, err := wire.ParseRequestPayload(msg.Payload)
		if err != nil {
			return err
		}
		if s.disp != nil {
			s.disp.BlockCancelled(s, p, begin, length)
		}
		return nil
	case wire.Port:
		return nil
	default:
		return nil // Unknown ids are ignored, not errors.
	}
}

func (s *Session) setFlag(mutate func()) {
	s.mu.Lock()
	mutate()
	s.mu.Unlock()
	if s.disp != nil {
		s.disp.StateChanged(s)
	}
}

func (s *Session) keepAliveLoop(done <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastSent) >= keepAliveMaxGap
			s.mu.Unlock()
			if idle {
				s.SendKeepAlive()
			}
		}
	}
}

func (s *Session) writeMessage(msg wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.WriteMessage(s.conn, msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSent = time.Now()
	s.mu.Unlock()
	return nil
}

// SendKeepAlive is a no-op if fewer than 30s have passed since the last
// keepalive.
func (s *Session) SendKeepAlive() error {
	s.mu.Lock()
	if time.Since(s.lastKeepAlive) < keepAliveMinGap {
		s.mu.Unlock()
		return nil
	}
	s.lastKeepAlive = time.Now()
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.WriteKeepAlive(s.conn); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSent = time.Now()
	s.mu.Unlock()
	return nil
}

// SendChoke is a no-op if we are already choking this peer.
func (s *Session) SendChoke() error { return s.sendFlagFlip(wire.Choke, &s.weChokeThem, true) }

// SendUnchoke is a no-op if we are already unchoking this peer.
func (s *Session) SendUnchoke() error { return s.sendFlagFlip(wire.Unchoke, &s.weChokeThem, false) }

// SendInterested is a no-op if we are already interested.
func (s *Session) SendInterested() error {
	return s.sendFlagFlip(wire.Interested, &s.weInterested, true)
}

// SendNotInterested is a no-op if we are already not interested.
func (s *Session) SendNotInterested() error {
	return s.sendFlagFlip(wire.NotInterested, &s.weInterested, false)
}

func (s *Session) sendFlagFlip(id wire.MessageID, flag *bool, target bool) error {
	s.mu.Lock()
	if *flag == target {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.writeMessage(wire.Message{ID: id}); err != nil {
		return err
	}

	s.mu.Lock()
	*flag = target
	s.mu.Unlock()
	return nil
}

// SendHave announces piece p as newly verified.
func (s *Session) SendHave(p int) error {
	return s.writeMessage(wire.Message{ID: wire.Have, Payload: wire.HavePayload(p)})
}

// SendRequest requests block begin/blockSize of piece p, marking it
// outstanding.
func (s *Session) SendRequest(piece, begin, length int) error {
	block := begin / metainfo.BlockSize
	s.mu.Lock()
	if piece >= 0 && piece < len(s.blockRequested) && block >= 0 && block < len(s.blockRequested[piece]) {
		s.blockRequested[piece][block] = true
	}
	s.mu.Unlock()
	return s.writeMessage(wire.Message{ID: wire.Request, Payload: wire.RequestPayload(piece, begin, length)})
}

// SendCancel cancels an outstanding request.
func (s *Session) SendCancel(piece, begin, length int) error {
	return s.writeMessage(wire.Message{ID: wire.Cancel, Payload: wire.RequestPayload(piece, begin, length)})
}

// SendPiece answers a block request with its data, run by the
// orchestrator after it decides to honor a BlockRequested event.
func (s *Session) SendPiece(piece, begin int, data []byte) error {
	if err := s.writeMessage(wire.Message{ID: wire.Piece, Payload: wire.PiecePayload(piece, begin, data)}); err != nil {
		return err
	}
	s.mu.Lock()
	s.bytesUp += int64(len(data))
	s.mu.Unlock()
	s.store.AddUploaded(int64(len(data)))
	return nil
}

// RemoteHas reports whether the remote peer has advertised piece p.
func (s *Session) RemoteHas(p int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p < 0 || p >= len(s.remoteHas) {
		return false
	}
	return s.remoteHas[p]
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TheyChokeUs reports whether the remote peer is choking us.
func (s *Session) TheyChokeUs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.theyChokeUs
}

// WeChokeThem reports whether we are choking this peer.
func (s *Session) WeChokeThem() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weChokeThem
}

// Stats returns the session's wire-observed byte counters.
func (s *Session) Stats() (up, down int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesUp, s.bytesDown
}

// Close terminates the session idempotently and notifies the dispatcher.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return nil
	}
	s.disconnected = true
	s.state = Closed
	s.mu.Unlock()

	err := s.conn.Close()
	if s.disp != nil {
		s.disp.Disconnected(s)
	}
	return err
}
