package document

import (
	"encoding/json"
	"errors"
	"fmt"

	"roomshare/crypto"
)

// ErrMalformedDelta indicates an update payload that cannot be decoded.
// Callers drop the payload; one bad update must not take the room down.
var ErrMalformedDelta = errors.New("document: malformed update delta")

// deltaOp is one replicated-map mutation. Clock and Actor order concurrent
// writes: the higher clock wins, with the actor id as deterministic tie-break.
type deltaOp struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Clock     uint64          `json:"clock"`
	Actor     string          `json:"actor"`
	Deleted   bool            `json:"deleted,omitempty"`
}

type delta struct {
	DocID string    `json:"doc_id"`
	Ops   []deltaOp `json:"ops"`
}

// encodeDelta produces the wire form of an update: one marker byte
// identifying an unencrypted update, then the JSON body. The encryption
// layer may wrap the whole thing in an envelope afterwards.
func encodeDelta(d delta) ([]byte, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal update delta: %w", err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, crypto.PlaintextMarker)
	return append(out, body...), nil
}

func decodeDelta(payload []byte) (delta, error) {
	if len(payload) < 2 || payload[0] != crypto.PlaintextMarker {
		return delta{}, ErrMalformedDelta
	}

	var d delta
	if err := json.Unmarshal(payload[1:], &d); err != nil {
		return delta{}, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	if d.DocID == "" {
		return delta{}, ErrMalformedDelta
	}
	for _, op := range d.Ops {
		if op.Namespace == "" || op.Key == "" || op.Actor == "" {
			return delta{}, ErrMalformedDelta
		}
	}
	return d, nil
}
