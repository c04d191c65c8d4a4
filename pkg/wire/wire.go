// Package wire implements the fixed-layout binary messages exchanged by the
// latency decomposition protocol: the clock-sync probe/reply, the transfer
// control/trigger/header/segment messages, and the PING/PONG echo text.
//
// All multi-byte fields are network byte order. The layouts carry no version
// field; both ends must agree on the protocol out of band.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

const (
	// MsgTypeControl is the type discriminant carried by control messages
	// and their acks.
	MsgTypeControl = byte(1)

	// ControlSize is the encoded size of a control message.
	ControlSize = 9

	// HeaderSize is the encoded size of a transfer header.
	HeaderSize = 20

	// SyncReplySize is the encoded size of a clock-sync reply.
	SyncReplySize = 8

	// SegmentPrefixSize is the request id prefix carried by every segment.
	SegmentPrefixSize = 4

	// DefaultMaxSegmentPayload is the default per-segment payload bound.
	// It must stay below the path MTU minus the segment prefix.
	DefaultMaxSegmentPayload = 1300
)

var (
	// ErrMalformedMessage is returned when a buffer is too short or does
	// not match any known layout.
	ErrMalformedMessage = errors.New("malformed message")

	// TriggerToken is the literal trigger message.
	TriggerToken = []byte("TRIG")

	// ErrReply is the literal responder reply to a malformed control message.
	ErrReply = []byte("ERR")

	pingPrefix = []byte("PING:")
	pongPrefix = []byte("PONG:")
)

// Control declares the sizes of an upcoming transfer run.
type Control struct {
	RequestSize  uint32
	ResponseSize uint32
}

func (c Control) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ControlSize)
	buf[0] = MsgTypeControl
	binary.BigEndian.PutUint32(buf[1:5], c.RequestSize)
	binary.BigEndian.PutUint32(buf[5:9], c.ResponseSize)
	return buf, nil
}

func UnmarshalControl(buf []byte) (Control, error) {
	if len(buf) != ControlSize || buf[0] != MsgTypeControl {
		return Control{}, ErrMalformedMessage
	}
	return Control{
		RequestSize:  binary.BigEndian.Uint32(buf[1:5]),
		ResponseSize: binary.BigEndian.Uint32(buf[5:9]),
	}, nil
}

// ControlAck is the single-byte acknowledgement for a well-formed control.
func ControlAck() []byte {
	return []byte{MsgTypeControl}
}

// IsControlAck reports whether buf is a control acknowledgement.
func IsControlAck(buf []byte) bool {
	return len(buf) == 1 && buf[0] == MsgTypeControl
}

// IsTrigger reports whether buf is the literal trigger token.
func IsTrigger(buf []byte) bool {
	return bytes.Equal(buf, TriggerToken)
}

// IsErrReply reports whether buf is the responder's malformed-control reply.
func IsErrReply(buf []byte) bool {
	return bytes.Equal(buf, ErrReply)
}

// Header announces one segmented response: its request id, the responder's
// wall clock at send time (seconds since epoch), the declared payload size,
// and how many segments will follow.
//
// A zero Timestamp is a sentinel meaning "skip this request".
type Header struct {
	RequestID     uint32
	Timestamp     float64
	Size          uint32
	TotalSegments uint32
}

// Skip reports whether the header carries the skip-this-request sentinel.
func (h Header) Skip() bool {
	return h.Timestamp == 0
}

func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.RequestID)
	binary.BigEndian.PutUint64(buf[4:12], math.Float64bits(h.Timestamp))
	binary.BigEndian.PutUint32(buf[12:16], h.Size)
	binary.BigEndian.PutUint32(buf[16:20], h.TotalSegments)
	return buf, nil
}

func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, ErrMalformedMessage
	}
	return Header{
		RequestID:     binary.BigEndian.Uint32(buf[0:4]),
		Timestamp:     math.Float64frombits(binary.BigEndian.Uint64(buf[4:12])),
		Size:          binary.BigEndian.Uint32(buf[12:16]),
		TotalSegments: binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// EncodeSegment prefixes payload with its owning request id.
func EncodeSegment(requestID uint32, payload []byte) []byte {
	buf := make([]byte, SegmentPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], requestID)
	copy(buf[4:], payload)
	return buf
}

// DecodeSegment splits a segment into its request id and payload. The payload
// aliases buf and must be copied if retained.
func DecodeSegment(buf []byte) (uint32, []byte, error) {
	if len(buf) < SegmentPrefixSize {
		return 0, nil, ErrMalformedMessage
	}
	return binary.BigEndian.Uint32(buf[0:4]), buf[4:], nil
}

// EncodeSyncReply encodes seconds since epoch as a big-endian IEEE-754 double.
func EncodeSyncReply(seconds float64) []byte {
	buf := make([]byte, SyncReplySize)
	binary.BigEndian.PutUint64(buf, math.Float64bits(seconds))
	return buf
}

// DecodeSyncReply decodes a clock-sync reply. Anything but exactly 8 bytes is
// malformed and must discard the cycle.
func DecodeSyncReply(buf []byte) (float64, error) {
	if len(buf) != SyncReplySize {
		return 0, ErrMalformedMessage
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf)), nil
}

// SegmentCount returns how many segments a payload of the given size needs.
// A zero size needs no segments.
func SegmentCount(size, maxPayload uint32) uint32 {
	if size == 0 {
		return 0
	}
	return (size + maxPayload - 1) / maxPayload
}

// FormatPing renders "PING:<seq>".
func FormatPing(seq uint64) []byte {
	return strconv.AppendUint(append([]byte{}, pingPrefix...), seq, 10)
}

// FormatPong renders "PONG:<seq>".
func FormatPong(seq uint64) []byte {
	return strconv.AppendUint(append([]byte{}, pongPrefix...), seq, 10)
}

// ParsePing extracts the sequence number from a "PING:<seq>" message.
func ParsePing(buf []byte) (uint64, error) {
	return parseEcho(buf, pingPrefix)
}

// ParsePong extracts the sequence number from a "PONG:<seq>" message.
func ParsePong(buf []byte) (uint64, error) {
	return parseEcho(buf, pongPrefix)
}

func parseEcho(buf, prefix []byte) (uint64, error) {
	if !bytes.HasPrefix(buf, prefix) {
		return 0, ErrMalformedMessage
	}
	seq, err := strconv.ParseUint(string(buf[len(prefix):]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad sequence: %v", ErrMalformedMessage, err)
	}
	return seq, nil
}
