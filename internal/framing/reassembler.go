package framing

import (
	"sync"
	"time"
)

// DefaultFragmentTimeout is how long a Reassembler keeps partial state for
// a fragmentId before discarding it.
const DefaultFragmentTimeout = 10 * time.Second

type partial struct {
	totalLen       uint32
	totalFragments uint16
	received       map[uint16][]byte
	timer          *time.Timer
}

func (p *partial) cardinality() int { return len(p.received) }

// Reassembler reconstructs fragmented messages for one connection.
// Fragments may arrive out of order; a message is complete once every
// index in [0, totalFragments) has been received, independent of arrival
// order.
type Reassembler struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[uint32]*partial

	// afterFunc is overridable for deterministic tests; defaults to time.AfterFunc.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewReassembler returns a Reassembler using timeout for per-fragmentId
// reassembly expiry. A zero timeout uses DefaultFragmentTimeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultFragmentTimeout
	}
	return &Reassembler{
		timeout:   timeout,
		pending:   make(map[uint32]*partial),
		afterFunc: time.AfterFunc,
	}
}

// Feed processes one incoming frame. It returns (payload, true, nil) when
// frame completes a message (whether it arrived whole or as the final
// fragment), (nil, false, nil) when more fragments are still awaited, and
// a non-nil error for a malformed or unrecognized frame.
func (r *Reassembler) Feed(frame []byte) ([]byte, bool, error) {
	typ, err := FrameType(frame)
	if err != nil {
		return nil, false, err
	}

	switch typ {
	case TypeComplete:
		return frame[1:], true, nil

	case TypeFragmentHeader:
		hdr, err := parseFragmentHeader(frame)
		if err != nil {
			return nil, false, err
		}
		r.startOrReset(hdr)
		return nil, false, nil

	case TypeFragmentData:
		fd, err := parseFragmentData(frame)
		if err != nil {
			return nil, false, err
		}
		return r.addData(fd)

	default:
		return nil, false, &ErrFrameCorrupt{Reason: "unknown frame type"}
	}
}

func (r *Reassembler) startOrReset(hdr fragmentHeader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.pending[hdr.fragmentID]; ok && existing.timer != nil {
		existing.timer.Stop()
	}

	p := &partial{
		totalLen:       hdr.totalLen,
		totalFragments: hdr.totalFragments,
		received:       make(map[uint16][]byte, hdr.totalFragments),
	}
	p.timer = r.afterFunc(r.timeout, func() { r.expire(hdr.fragmentID) })
	r.pending[hdr.fragmentID] = p
}

func (r *Reassembler) expire(fragmentID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, fragmentID)
}

func (r *Reassembler) addData(fd fragmentData) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[fd.fragmentID]
	if !ok {
		// Data arrived before its header was seen, or after expiry; drop.
		return nil, false, &ErrFrameCorrupt{Reason: "fragment data for unknown fragmentId"}
	}

	p.received[fd.index] = fd.payload
	if p.cardinality() < int(p.totalFragments) {
		return nil, false, nil
	}

	out := make([]byte, 0, p.totalLen)
	for i := uint16(0); i < p.totalFragments; i++ {
		out = append(out, p.received[i]...)
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	delete(r.pending, fd.fragmentID)

	return out, true, nil
}

// Pending returns the number of fragmentIds currently awaiting completion,
// for diagnostics and tests.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
