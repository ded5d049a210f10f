package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrMalformed = errors.New("malformed envelope")

// Envelope is the dispatch unit carried inside one transport message.
type Envelope struct {
	Type      string        `json:"type"`
	Payload   Payload       `json:"payload"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Signature hexutil.Bytes `json:"signature,omitempty"`
	Signer    string        `json:"signer,omitempty"`
}

// Payload holds the payload exactly as it appears on the wire.
type Payload json.RawMessage

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	if p == nil {
		return errors.New("envelope: UnmarshalJSON on nil Payload")
	}
	*p = append((*p)[0:0], data...)
	return nil
}

// Decode unmarshals the payload into v. Tagged maps decode into *OrderedMap fields.
func (p Payload) Decode(v any) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	return json.Unmarshal(p, v)
}

// Value decodes the payload into generic JSON values with tagged maps restored.
func (p Payload) Value() (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(p, &v); err != nil {
		return nil, err
	}
	return untagMaps(v), nil
}

func MarshalPayload(payload any) (Payload, error) {
	switch v := payload.(type) {
	case Payload:
		return v, nil
	case json.RawMessage:
		return Payload(v), nil
	}
	raw, err := json.Marshal(tagMaps(payload))
	if err != nil {
		return nil, err
	}
	return Payload(raw), nil
}

func Encode(typ string, payload any, timestamp int64, signature []byte, signer string) ([]byte, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	env := Envelope{
		Type:      typ,
		Payload:   raw,
		Timestamp: timestamp,
		Signature: signature,
		Signer:    signer,
	}
	return env.Marshal()
}

func Decode(data []byte) (Envelope, error) {
	if !utf8.Valid(data) {
		return Envelope{}, fmt.Errorf("%w: payload is not utf-8", ErrMalformed)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

func (e Envelope) Marshal() ([]byte, error) {
	if strings.TrimSpace(e.Type) == "" {
		return nil, errors.New("envelope type is required")
	}
	return json.Marshal(e)
}

// SignableBytes is the canonical form that signatures cover: the envelope with signature cleared.
func (e Envelope) SignableBytes() ([]byte, error) {
	e.Signature = nil
	return json.Marshal(e)
}

func (e Envelope) Time() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp)
}

func (e Envelope) IsSigned() bool {
	return len(e.Signature) > 0
}
