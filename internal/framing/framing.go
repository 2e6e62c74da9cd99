// Package framing implements the wire framing and fragmentation scheme:
// a single leading byte distinguishes a
// complete message from fragment header/data frames, so large encoded
// ChannelMsg batches can be split below an adapter's transport limit and
// reassembled on the other side without the adapter itself understanding
// message boundaries.
package framing

import (
	"encoding/binary"
	"fmt"
)

// Frame type prefixes, the first byte of every wire frame.
const (
	TypeComplete      byte = 0x00
	TypeFragmentHeader byte = 0x01
	TypeFragmentData  byte = 0x02
)

// DefaultThreshold is the payload size above which Encode splits a
// message into fragment header + data frames; Fragment also uses it as
// the default data-frame size.
const DefaultThreshold = 80 * 1024

// ErrFrameCorrupt is returned for any frame that cannot be parsed: wrong
// length, bad type prefix, or truncated content.
type ErrFrameCorrupt struct{ Reason string }

func (e *ErrFrameCorrupt) Error() string { return fmt.Sprintf("framing: corrupt frame: %s", e.Reason) }

// Complete wraps a payload below the fragmentation threshold as a single
// 0x00-prefixed frame.
func Complete(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, TypeComplete)
	return append(out, payload...)
}

// Fragment splits payload into a fragment header frame followed by
// fragmentCount data frames, each at most maxFragmentSize bytes of
// payload. fragmentID must be unique per connection for the life of the
// reassembly window.
func Fragment(fragmentID uint32, payload []byte, maxFragmentSize int) [][]byte {
	if maxFragmentSize <= 0 {
		maxFragmentSize = DefaultThreshold
	}
	total := len(payload)
	count := (total + maxFragmentSize - 1) / maxFragmentSize
	if count == 0 {
		count = 1
	}
	if count > 1<<16-1 {
		count = 1 << 16 - 1
	}

	frames := make([][]byte, 0, count+1)

	header := make([]byte, 1+4+4+2)
	header[0] = TypeFragmentHeader
	binary.BigEndian.PutUint32(header[1:5], fragmentID)
	binary.BigEndian.PutUint32(header[5:9], uint32(total))
	binary.BigEndian.PutUint16(header[9:11], uint16(count))
	frames = append(frames, header)

	for i := 0; i < count; i++ {
		start := i * maxFragmentSize
		end := start + maxFragmentSize
		if end > total {
			end = total
		}
		data := make([]byte, 1+4+2+(end-start))
		data[0] = TypeFragmentData
		binary.BigEndian.PutUint32(data[1:5], fragmentID)
		binary.BigEndian.PutUint16(data[5:7], uint16(i))
		copy(data[7:], payload[start:end])
		frames = append(frames, data)
	}

	return frames
}

// Encode is the convenience entry point: it returns Complete(payload) if
// payload fits under threshold, or Fragment's frames otherwise.
func Encode(fragmentID uint32, payload []byte, threshold int) [][]byte {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if len(payload) <= threshold {
		return [][]byte{Complete(payload)}
	}
	return Fragment(fragmentID, payload, threshold)
}

// fragmentHeader is the parsed form of a 0x01 frame.
type fragmentHeader struct {
	fragmentID     uint32
	totalLen       uint32
	totalFragments uint16
}

func parseFragmentHeader(frame []byte) (fragmentHeader, error) {
	if len(frame) != 1+4+4+2 {
		return fragmentHeader{}, &ErrFrameCorrupt{Reason: "bad fragment header length"}
	}
	return fragmentHeader{
		fragmentID:     binary.BigEndian.Uint32(frame[1:5]),
		totalLen:       binary.BigEndian.Uint32(frame[5:9]),
		totalFragments: binary.BigEndian.Uint16(frame[9:11]),
	}, nil
}

type fragmentData struct {
	fragmentID uint32
	index      uint16
	payload    []byte
}

func parseFragmentData(frame []byte) (fragmentData, error) {
	if len(frame) < 1+4+2 {
		return fragmentData{}, &ErrFrameCorrupt{Reason: "bad fragment data length"}
	}
	return fragmentData{
		fragmentID: binary.BigEndian.Uint32(frame[1:5]),
		index:      binary.BigEndian.Uint16(frame[5:7]),
		payload:    frame[7:],
	}, nil
}

// Decode parses a single frame's type prefix and returns the complete
// payload if frame is a 0x00 frame. Fragment frames must go through a
// Reassembler instead; Decode returns ErrFrameCorrupt for them so callers
// don't silently treat a fragment as a complete message.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, &ErrFrameCorrupt{Reason: "empty frame"}
	}
	switch frame[0] {
	case TypeComplete:
		return frame[1:], nil
	case TypeFragmentHeader, TypeFragmentData:
		return nil, &ErrFrameCorrupt{Reason: "fragment frame passed to Decode, use Reassembler"}
	default:
		return nil, &ErrFrameCorrupt{Reason: fmt.Sprintf("unknown frame type 0x%02x", frame[0])}
	}
}

// FrameType returns the leading type byte of frame, or an error if frame
// is empty.
func FrameType(frame []byte) (byte, error) {
	if len(frame) == 0 {
		return 0, &ErrFrameCorrupt{Reason: "empty frame"}
	}
	return frame[0], nil
}
