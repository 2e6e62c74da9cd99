package protocol

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// Name returns the wire name of a message kind, used for middleware
// keys, metrics labels, and the JSON encoding's type tag.
func Name(m Msg) string {
	switch m.(type) {
	case EstablishRequest:
		return "establish-request"
	case EstablishResponse:
		return "establish-response"
	case DirectoryRequest:
		return "directory-request"
	case DirectoryResponse:
		return "directory-response"
	case SyncRequest:
		return "sync-request"
	case SyncResponse:
		return "sync-response"
	case Ephemeral:
		return "ephemeral"
	case Heartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// wireEnvelope is the gob form of one message: exactly one field is
// populated per envelope. Pointer fields cost nothing on the wire when
// nil, and the two bodyless kinds travel as booleans (gob cannot encode
// a struct with no exported fields).
type wireEnvelope struct {
	EstablishRequest  *EstablishRequest
	EstablishResponse *EstablishResponse
	DirectoryRequest  bool
	DirectoryResponse *DirectoryResponse
	SyncRequest       *SyncRequest
	SyncResponse      *SyncResponse
	Ephemeral         *Ephemeral
	Heartbeat         bool
}

func toEnvelope(m Msg) (wireEnvelope, error) {
	switch v := m.(type) {
	case EstablishRequest:
		return wireEnvelope{EstablishRequest: &v}, nil
	case EstablishResponse:
		return wireEnvelope{EstablishResponse: &v}, nil
	case DirectoryRequest:
		return wireEnvelope{DirectoryRequest: true}, nil
	case DirectoryResponse:
		return wireEnvelope{DirectoryResponse: &v}, nil
	case SyncRequest:
		return wireEnvelope{SyncRequest: &v}, nil
	case SyncResponse:
		return wireEnvelope{SyncResponse: &v}, nil
	case Ephemeral:
		return wireEnvelope{Ephemeral: &v}, nil
	case Heartbeat:
		return wireEnvelope{Heartbeat: true}, nil
	default:
		return wireEnvelope{}, fmt.Errorf("protocol: unencodable message %T", m)
	}
}

func (e wireEnvelope) message() (Msg, bool) {
	switch {
	case e.EstablishRequest != nil:
		return *e.EstablishRequest, true
	case e.EstablishResponse != nil:
		return *e.EstablishResponse, true
	case e.DirectoryRequest:
		return DirectoryRequest{}, true
	case e.DirectoryResponse != nil:
		return *e.DirectoryResponse, true
	case e.SyncRequest != nil:
		return *e.SyncRequest, true
	case e.SyncResponse != nil:
		return *e.SyncResponse, true
	case e.Ephemeral != nil:
		return *e.Ephemeral, true
	case e.Heartbeat:
		return Heartbeat{}, true
	default:
		return nil, false
	}
}

// EncodeBatch serializes a batch of messages into the binary payload
// carried inside a 0x00 frame (or fragmented above threshold).
func EncodeBatch(msgs []Msg) ([]byte, error) {
	envs := make([]wireEnvelope, 0, len(msgs))
	for _, m := range msgs {
		env, err := toEnvelope(m)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envs); err != nil {
		return nil, fmt.Errorf("protocol: encode batch: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses bytes produced by EncodeBatch. Envelopes carrying
// no recognizable message are dropped, not fatal, matching the
// drop-and-log policy for malformed input.
func DecodeBatch(data []byte) ([]Msg, error) {
	var envs []wireEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&envs); err != nil {
		return nil, fmt.Errorf("protocol: decode batch: %w", err)
	}
	out := make([]Msg, 0, len(envs))
	for _, env := range envs {
		if m, ok := env.message(); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// jsonMsg is the tagged JSON form used on the SSE and long-poll inbound
// paths, which deliver JSON arrays rather than binary frames.
type jsonMsg struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// MarshalJSONBatch serializes msgs as a JSON array of tagged messages.
func MarshalJSONBatch(msgs []Msg) ([]byte, error) {
	out := make([]jsonMsg, 0, len(msgs))
	for _, m := range msgs {
		body, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s: %w", Name(m), err)
		}
		out = append(out, jsonMsg{Type: Name(m), Body: body})
	}
	return json.Marshal(out)
}

// UnmarshalJSONBatch parses a JSON array produced by MarshalJSONBatch.
// Messages with an unknown type tag are skipped rather than failing the
// whole batch, matching the drop-and-log policy for malformed input.
func UnmarshalJSONBatch(data []byte) ([]Msg, error) {
	var raw []jsonMsg
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal batch: %w", err)
	}
	out := make([]Msg, 0, len(raw))
	for _, jm := range raw {
		m, err := unmarshalJSONMsg(jm)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func unmarshalJSONMsg(jm jsonMsg) (Msg, error) {
	var (
		m   Msg
		err error
	)
	switch jm.Type {
	case "establish-request":
		var v EstablishRequest
		err = json.Unmarshal(jm.Body, &v)
		m = v
	case "establish-response":
		var v EstablishResponse
		err = json.Unmarshal(jm.Body, &v)
		m = v
	case "directory-request":
		var v DirectoryRequest
		err = json.Unmarshal(jm.Body, &v)
		m = v
	case "directory-response":
		var v DirectoryResponse
		err = json.Unmarshal(jm.Body, &v)
		m = v
	case "sync-request":
		var v SyncRequest
		err = json.Unmarshal(jm.Body, &v)
		m = v
	case "sync-response":
		var v SyncResponse
		err = json.Unmarshal(jm.Body, &v)
		m = v
	case "ephemeral":
		var v Ephemeral
		err = json.Unmarshal(jm.Body, &v)
		m = v
	case "heartbeat":
		var v Heartbeat
		err = json.Unmarshal(jm.Body, &v)
		m = v
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: unmarshal %s: %w", jm.Type, err)
	}
	return m, nil
}
