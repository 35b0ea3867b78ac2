package peer

import (
	"net"
	"testing"
	"time"

	"github.com/jhenkens/research-bittorrent/internal/metainfo"
	"github.com/jhenkens/research-bittorrent/internal/piecestore"
	"github.com/jhenkens/research-bittorrent/internal/wire"
	"github.com/stretchr/testify/assert"
)

type fakeDispatcher struct {
	stateChanges  int
	blockRequests []int
	disconnects   int
}

func newFakeDispatcher() *fakeDispatcher { return &fakeDispatcher{} }

func (f *fakeDispatcher) BlockRequested(s *Session, piece, begin, length int) {
	f.blockRequests = append(f.blockRequests, piece)
}
func (f *fakeDispatcher) BlockCancelled(s *Session, piece, begin, length int) {}
func (f *fakeDispatcher) StateChanged(s *Session)                            { f.stateChanges++ }
func (f *fakeDispatcher) Disconnected(s *Session)                            { f.disconnects++ }

func testDescriptor() *metainfo.Descriptor {
	return &metainfo.Descriptor{
		Name:        "file",
		Files:       []metainfo.File{{RelativePath: "file", Size: 32768, Offset: 0}},
		PieceSize:   32768,
		PieceHashes: make([][20]byte, 1),
		TotalSize:   32768,
	}
}

func TestS4HandshakeMismatchDisconnects(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	desc := testDescriptor()
	store := piecestore.Open(desc, t.TempDir(), nil)
	disp := newFakeDispatcher()
	infoHash := [20]byte{1, 2, 3}

	go func() {
		// Remote peer echoes a handshake with the wrong infohash.
		wire.ReadHandshake(serverConn)
		wrong := wire.Handshake{InfoHash: [20]byte{9, 9, 9}}
		wire.WriteHandshake(serverConn, wrong)
	}()

	s := New("remote:1", clientConn, desc, store, [20]byte{}, disp, nil)
	err := s.Outbound(infoHash)
	assert.ErrorIs(t, err, ErrInfoHashMismatch)
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, disp.stateChanges)
}

func TestHandshakeSuccessThenChokeFlow(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	desc := testDescriptor()
	store := piecestore.Open(desc, t.TempDir(), nil)
	disp := newFakeDispatcher()
	infoHash := [20]byte{1, 2, 3}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		theirs, err := wire.ReadHandshake(serverConn)
		assert.Nil(t, err)
		assert.Equal(t, infoHash, theirs.InfoHash)
		wire.WriteHandshake(serverConn, wire.Handshake{InfoHash: infoHash})
		// consume bitfield
		wire.ReadMessage(serverConn)
		// send unchoke
		wire.WriteMessage(serverConn, wire.Message{ID: wire.Unchoke})
		// read nothing further; just close after a pause
		time.Sleep(20 * time.Millisecond)
		serverConn.Close()
	}()

	s := New("remote:2", clientConn, desc, store, [20]byte{}, disp, nil)
	go s.Outbound(infoHash)

	<-serverDone
	time.Sleep(20 * time.Millisecond)
	assert.False(t, s.TheyChokeUs())
}

func TestChokeSendIsIdempotent(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	desc := testDescriptor()
	store := piecestore.Open(desc, t.TempDir(), nil)
	s := New("remote:3", clientConn, desc, store, [20]byte{}, nil, nil)

	done := make(chan struct{})
	var reads int
	go func() {
		buf := make([]byte, 5)
		for i := 0; i < 1; i++ {
			serverConn.Read(buf)
			reads++
		}
		close(done)
	}()

	assert.Nil(t, s.SendChoke()) // already choking by default: no-op, no write
	assert.Nil(t, s.SendUnchoke())
	<-done
	assert.Equal(t, 1, reads)
}
