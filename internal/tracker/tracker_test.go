package tracker

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/jhenkens/research-bittorrent/internal/metainfo"
	"github.com/stretchr/testify/assert"
)

type roundTripFunc func(req *http.Request) *http.Response

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

type compactPeersResponse struct {
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

func fixtureResponse(t *testing.T, interval int, ip [4]byte, port uint16) io.ReadCloser {
	t.Helper()
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	peerBytes := append(append([]byte{}, ip[:]...), portBytes...)

	var buf bytes.Buffer
	err := bencode.Marshal(&buf, compactPeersResponse{Interval: interval, Peers: string(peerBytes)})
	assert.Nil(t, err)
	return io.NopCloser(&buf)
}

func testDescriptor() *metainfo.Descriptor {
	return &metainfo.Descriptor{
		InfoHash:    [20]byte{1, 2, 3},
		TotalSize:   1000,
		PieceHashes: make([][20]byte, 1),
	}
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	var capturedQuery url.Values
	tr := New("http://tracker.example.com/announce", 0, 0, nil)
	tr.client = &http.Client{Transport: roundTripFunc(func(req *http.Request) *http.Response {
		capturedQuery = req.URL.Query()
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       fixtureResponse(t, 1800, [4]byte{192, 168, 1, 1}, 6889),
		}
	})}

	var got []Endpoint
	tr.OnPeerListUpdated(func(eps []Endpoint) { got = eps })

	tr.Announce(testDescriptor(), Started, [20]byte{9, 9, 9}, 6881, 0, 0, 1000)

	assert.Equal(t, "1", capturedQuery.Get("compact"))
	assert.Equal(t, "started", capturedQuery.Get("event"))
	assert.Len(t, got, 1)
	assert.Equal(t, "192.168.1.1", got[0].IP.String())
	assert.EqualValues(t, 6889, got[0].Port)
}

func TestS5RateLimitSuppressesSecondStartedAnnounce(t *testing.T) {
	var calls int
	tr := New("http://tracker.example.com/announce", 0, 0, nil)
	tr.client = &http.Client{Transport: roundTripFunc(func(req *http.Request) *http.Response {
		calls++
		return &http.Response{StatusCode: http.StatusOK, Body: fixtureResponse(t, 3600, [4]byte{1, 1, 1, 1}, 1)}
	})}

	desc := testDescriptor()
	tr.Announce(desc, Started, [20]byte{}, 6881, 0, 0, 1000)
	assert.Equal(t, 1, calls)

	// Second Started announce, still well within the returned interval
	// and the failure-backoff window: must be suppressed.
	tr.Announce(desc, Started, [20]byte{}, 6881, 0, 0, 1000)
	assert.Equal(t, 1, calls)

	// A Stopped announce during the interval must still go out.
	tr.Announce(desc, Stopped, [20]byte{}, 6881, 0, 0, 1000)
	assert.Equal(t, 2, calls)
}

func TestAnnounceNon200DoesNotUpdateState(t *testing.T) {
	tr := New("http://tracker.example.com/announce", 0, 0, nil)
	tr.client = &http.Client{Transport: roundTripFunc(func(req *http.Request) *http.Response {
		return &http.Response{StatusCode: http.StatusInternalServerError, Body: io.NopCloser(bytes.NewReader(nil))}
	})}

	var called bool
	tr.OnPeerListUpdated(func(eps []Endpoint) { called = true })
	tr.Announce(testDescriptor(), Started, [20]byte{}, 6881, 0, 0, 1000)

	assert.False(t, called)
	assert.True(t, tr.lastSuccessAt.IsZero())
	assert.Equal(t, defaultInterval, tr.announceInterval)
}

func TestAnnounceURLEncodesInfoHash(t *testing.T) {
	tr := New("http://tracker.example.com/announce", 0, 0, nil)
	var raw string
	tr.client = &http.Client{Transport: roundTripFunc(func(req *http.Request) *http.Response {
		raw = req.URL.RawQuery
		return &http.Response{StatusCode: http.StatusOK, Body: fixtureResponse(t, 60, [4]byte{1, 2, 3, 4}, 1)}
	})}
	tr.Announce(testDescriptor(), Started, [20]byte{}, 6881, 0, 0, 1000)
	assert.Contains(t, raw, "info_hash=%01%02%03%00%00")
}
