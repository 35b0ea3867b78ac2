// Package tracker implements HTTP announce (§4.D): building the compact
// announce query, rate-limiting Started announces against the tracker's
// own interval, and parsing the compact peer list in the response.
package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jhenkens/research-bittorrent/internal/bencode"
	"github.com/jhenkens/research-bittorrent/internal/metainfo"
)

// Event is an announce lifecycle event.
type Event int

const (
	Started Event = iota
	Paused
	Stopped
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return "paused"
	}
}

const (
	defaultInterval       = 30 * time.Minute
	defaultBackoff        = 15 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Endpoint is an addressable remote peer, the compact 6-byte wire form
// decoded into its IP and port.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// Tracker holds one announce URL's rate-limiting state. It is owned by a
// single goroutine conceptually (no external concurrency on its fields
// beyond the mutex guarding the timestamps updated by Announce).
type Tracker struct {
	Address string

	client *http.Client
	log    *slog.Logger

	requestTimeout time.Duration
	backoffFloor   time.Duration

	mu                sync.Mutex
	lastRequestAt     time.Time
	lastSuccessAt     time.Time
	announceInterval  time.Duration
	failureBackoff    time.Duration

	onPeerListUpdated func([]Endpoint)
}

// New builds a Tracker for the given announce URL. requestTimeout and
// failureBackoff default to the spec's §5 values when zero, so existing
// callers that only care about the address keep working unconfigured.
func New(address string, requestTimeout, failureBackoff time.Duration, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}
	if failureBackoff == 0 {
		failureBackoff = defaultBackoff
	}
	return &Tracker{
		Address:          address,
		client:           &http.Client{Timeout: requestTimeout},
		requestTimeout:   requestTimeout,
		backoffFloor:     failureBackoff,
		log:              log,
		announceInterval: defaultInterval,
		failureBackoff:   failureBackoff,
	}
}

// OnPeerListUpdated registers the callback fired with the complete
// endpoint list from every successful announce (not a delta).
func (t *Tracker) OnPeerListUpdated(fn func([]Endpoint)) {
	t.onPeerListUpdated = fn
}

// shouldSuppress implements §4.D's rate rule: a Started announce is
// suppressed if we're still inside the tracker's advertised interval AND
// we're not yet past the failure backoff window. Non-Started events
// always pass.
func (t *Tracker) shouldSuppress(event Event, now time.Time) bool {
	if event != Started {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastSuccessAt.IsZero() {
		return false
	}
	withinInterval := now.Before(t.lastSuccessAt.Add(t.announceInterval))
	pastBackoff := !now.Before(t.lastRequestAt.Add(t.failureBackoff))
	return withinInterval && !pastBackoff
}

// Announce issues (or suppresses) one announce request. Failures are
// isolated to this tracker: they are logged here and do not propagate as
// a fatal error to the caller.
func (t *Tracker) Announce(desc *metainfo.Descriptor, event Event, peerID [20]byte, listenPort int, uploaded, downloaded, left int64) {
	now := time.Now()
	if t.shouldSuppress(event, now) {
		return
	}

	t.mu.Lock()
	t.lastRequestAt = now
	t.mu.Unlock()

	endpoints, interval, err := t.request(desc, event, peerID, listenPort, uploaded, downloaded, left)
	if err != nil {
		t.log.Warn("tracker announce failed", slog.String("tracker", t.Address), slog.Any("error", err))
		return
	}

	t.mu.Lock()
	t.lastSuccessAt = time.Now()
	t.announceInterval = interval
	t.failureBackoff = t.backoffFloor
	if t.announceInterval > t.failureBackoff {
		t.failureBackoff = t.announceInterval
	}
	t.mu.Unlock()

	if t.onPeerListUpdated != nil {
		t.onPeerListUpdated(endpoints)
	}
}

func (t *Tracker) request(desc *metainfo.Descriptor, event Event, peerID [20]byte, listenPort int, uploaded, downloaded, left int64) ([]Endpoint, time.Duration, error) {
	u, err := url.Parse(t.Address)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: parsing announce url: %w", err)
	}

	query := u.Query()
	query.Set("info_hash", string(desc.InfoHash[:]))
	query.Set("peer_id", string(peerID[:]))
	query.Set("port", strconv.Itoa(listenPort))
	query.Set("uploaded", strconv.FormatInt(uploaded, 10))
	query.Set("downloaded", strconv.FormatInt(downloaded, 10))
	query.Set("left", strconv.FormatInt(left, 10))
	query.Set("event", event.String())
	query.Set("compact", "1")
	u.RawQuery = query.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), t.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("tracker: http status %s", resp.Status)
	}

	body, _, err := decodeBody(resp)
	if err != nil {
		return nil, 0, err
	}

	return parseAnnounceResponse(body)
}

func decodeBody(resp *http.Response) (bencode.Dict, int, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	val, n, err := bencode.Decode(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: decoding response: %w", err)
	}
	dict, ok := val.(bencode.Dict)
	if !ok {
		return nil, 0, fmt.Errorf("tracker: response is not a dictionary")
	}
	return dict, n, nil
}

func parseAnnounceResponse(dict bencode.Dict) ([]Endpoint, time.Duration, error) {
	intervalVal, ok := dict["interval"].(int64)
	if !ok {
		return nil, 0, fmt.Errorf("tracker: response missing interval")
	}
	peersVal, ok := dict["peers"].([]byte)
	if !ok {
		return nil, 0, fmt.Errorf("tracker: response missing compact peers")
	}
	if len(peersVal)%6 != 0 {
		return nil, 0, fmt.Errorf("tracker: compact peers length %d not a multiple of 6", len(peersVal))
	}

	endpoints := make([]Endpoint, 0, len(peersVal)/6)
	for i := 0; i < len(peersVal); i += 6 {
		ip := net.IPv4(peersVal[i], peersVal[i+1], peersVal[i+2], peersVal[i+3])
		port := uint16(peersVal[i+4])<<8 | uint16(peersVal[i+5])
		endpoints = append(endpoints, Endpoint{IP: ip, Port: port})
	}

	return endpoints, time.Duration(intervalVal) * time.Second, nil
}
