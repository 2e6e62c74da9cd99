package store

import (
	"encoding/gob"
	"time"
)

func init() {
	// Op.Fields is map[string]any; gob needs the concrete value types it
	// will meet in interface slots declared up front.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// OpKind enumerates the kinds of change an Op can carry. The document
// engine is intentionally simple: the rest of the runtime treats it as
// opaque, so it only needs to support last-writer-wins field merge plus
// tombstone delete, which is enough to exercise every Synchronizer code
// path that depends on version/export/import/subscribe/fork.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
)

// Op is a single causal unit of change to a document, the engine's
// equivalent of a CRDT operation. Seq is the authoring peer's local
// sequence number for this op (its k-th authored op carries Seq==k),
// which is what lets Update(since) filter without needing a full
// per-op version vector.
type Op struct {
	ID        string
	DocID     string
	Kind      OpKind
	Fields    map[string]any
	PeerID    string
	Seq       uint64
	Timestamp int64
}

func newOpID(peerID string, seq uint64) string {
	return peerID + "-" + itoa(seq) + "-" + itoa(uint64(time.Now().UnixNano()))
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
