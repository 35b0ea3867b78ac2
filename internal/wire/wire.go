// Package wire implements the BitTorrent peer-wire protocol: the fixed
// handshake, the length-prefixed message frame, and bitfield bit order.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrProtocolViolation marks a peer message that is structurally valid
// but semantically impossible: wrong length for its id, a request
// spanning outside the piece, or similar.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// MessageID identifies the kind of a post-handshake peer message.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	// KeepAlive is synthesized locally for the zero-length frame; it is
	// never carried as an on-wire id byte.
	KeepAlive MessageID = 0xff
	// Unknown marks an id byte outside 0-9.
	Unknown MessageID = 0xfe
)

// Message is a decoded post-handshake peer-wire message.
type Message struct {
	ID      MessageID
	Payload []byte
}

const (
	protocolName  = "BitTorrent protocol"
	handshakeSize = 1 + len(protocolName) + 8 + 20 + 20
	maxBlockSize  = 128 * 1024 // spec-mandated ceiling on a single Request/Piece
)

// Handshake is the fixed 68-byte peer-wire handshake.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode serializes h into the wire's fixed 68-byte form.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, handshakeSize)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, []byte(protocolName)...)
	buf = append(buf, make([]byte, 8)...) // reserved
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake reads and decodes a peer handshake from r. Unlike the
// naive approach of comparing into whatever buffer happens to be lying
// around, the info hash and peer id are copied into a freshly allocated
// Handshake value before any comparison the caller performs.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("wire: reading handshake: %w", err)
	}
	if buf[0] != byte(len(protocolName)) || string(buf[1:1+len(protocolName)]) != protocolName {
		return Handshake{}, fmt.Errorf("%w: unrecognized protocol identifier", ErrProtocolViolation)
	}
	var h Handshake
	copy(h.InfoHash[:], buf[1+len(protocolName)+8:1+len(protocolName)+8+20])
	copy(h.PeerID[:], buf[1+len(protocolName)+8+20:])
	return h, nil
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Encode())
	return err
}

// ReadMessage reads one length-prefixed frame from r. A zero-length frame
// is reported as KeepAlive. Length/id mismatches are reported as
// ErrProtocolViolation so the caller can close the session.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("wire: reading length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{ID: KeepAlive}, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("wire: reading message body: %w", err)
	}

	id := MessageID(body[0])
	if id > Port {
		id = Unknown
	}
	var payload []byte
	if length > 1 {
		payload = body[1:]
	}

	if err := validateLength(id, len(payload)); err != nil {
		return Message{}, err
	}

	return Message{ID: id, Payload: payload}, nil
}

func validateLength(id MessageID, payloadLen int) error {
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if payloadLen != 0 {
			return fmt.Errorf("%w: %v expects empty payload, got %d bytes", ErrProtocolViolation, id, payloadLen)
		}
	case Have:
		if payloadLen != 4 {
			return fmt.Errorf("%w: have expects 4-byte payload, got %d", ErrProtocolViolation, payloadLen)
		}
	case Request, Cancel:
		if payloadLen != 12 {
			return fmt.Errorf("%w: request/cancel expects 12-byte payload, got %d", ErrProtocolViolation, payloadLen)
		}
	case Piece:
		if payloadLen < 8 {
			return fmt.Errorf("%w: piece expects at least 8-byte payload, got %d", ErrProtocolViolation, payloadLen)
		}
	case Bitfield:
		// Length depends on piece count; validated by the caller (which
		// knows the descriptor), not here.
	case Port:
		if payloadLen != 2 {
			return fmt.Errorf("%w: port expects 2-byte payload, got %d", ErrProtocolViolation, payloadLen)
		}
	default:
		// Unknown ids are surfaced, not rejected; the caller ignores them.
	}
	return nil
}

// WriteMessage writes msg to w as a length-prefixed frame.
func WriteMessage(w io.Writer, msg Message) error {
	buf := make([]byte, 4+1+len(msg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(msg.Payload)))
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	_, err := w.Write(buf)
	return err
}

// WriteKeepAlive writes the zero-length keepalive frame.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

// RequestPayload builds the 12-byte payload of a Request/Cancel message.
func RequestPayload(piece, begin, length int) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(piece))
	binary.BigEndian.PutUint32(buf[4:8], uint32(begin))
	binary.BigEndian.PutUint32(buf[8:12], uint32(length))
	return buf
}

// ParseRequestPayload decodes a 12-byte Request/Cancel payload.
func ParseRequestPayload(payload []byte) (piece, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: expected 12-byte request payload", ErrProtocolViolation)
	}
	piece = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return piece, begin, length, nil
}

// PiecePayload builds the payload of an outbound Piece message.
func PiecePayload(piece, begin int, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(piece))
	binary.BigEndian.PutUint32(buf[4:8], uint32(begin))
	copy(buf[8:], data)
	return buf
}

// ParsePiecePayload decodes a Piece message payload.
func ParsePiecePayload(payload []byte) (piece, begin int, data []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload too short", ErrProtocolViolation)
	}
	piece = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	data = payload[8:]
	return piece, begin, data, nil
}

// HavePayload builds the 4-byte payload of a Have message.
func HavePayload(piece int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(piece))
	return buf
}

// ParseHavePayload decodes a Have message payload.
func ParseHavePayload(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: have payload must be 4 bytes", ErrProtocolViolation)
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// MaxRequestLength is the largest block length a well-behaved peer may
// request in one message; larger requests are protocol violations.
const MaxRequestLength = maxBlockSize

// EncodeBitfield packs a piece-verified vector into the MSB-first bitfield
// wire form: the MSB of byte 0 corresponds to piece 0. Trailing bits
// beyond len(verified) are zero.
func EncodeBitfield(verified []bool) []byte {
	out := make([]byte, (len(verified)+7)/8)
	for i, v := range verified {
		if v {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// DecodeBitfield unpacks a wire bitfield into a piece-indexed bool slice
// of length pieceCount. Decoders tolerate (rather than error on) spurious
// trailing bits beyond pieceCount.
func DecodeBitfield(payload []byte, pieceCount int) []bool {
	out := make([]bool, pieceCount)
	for i := range out {
		byteIdx, bitIdx := i/8, 7-i%8
		if byteIdx >= len(payload) {
			break
		}
		out[i] = payload[byteIdx]>>uint(bitIdx)&1 == 1
	}
	return out
}

// BitfieldLen returns the expected payload length (including the id byte)
// of a Bitfield message for a torrent with pieceCount pieces, per §4.E's
// validation table.
func BitfieldLen(pieceCount int) int {
	return (pieceCount+7)/8 + 1
}
