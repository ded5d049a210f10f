package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wakulink/go-backend/internal/envelope"
)

// Metadata describes one delivery. It is built per callback invocation and never persisted.
type Metadata struct {
	Encrypted    bool
	FromStore    bool
	Timestamp    time.Time
	Ephemeral    bool
	ContentTopic string
	PubsubTopic  string
	Hash         string
}

// HandlerFunc receives the raw payload. signer is set only when the envelope carried a
// signature that recovers to its declared signer.
type HandlerFunc func(ctx context.Context, payload envelope.Payload, signer string, meta Metadata) error

type registrationKey struct {
	typ string
	key string
}

type Registration struct {
	id                  uint64
	typ                 string
	key                 string
	handler             HandlerFunc
	verifySender        bool
	acceptOnlyEncrypted bool
	owner               *Dispatcher
}

func (r *Registration) Type() string {
	return r.typ
}

func (r *Registration) VerifiesSender() bool {
	return r.verifySender
}

func (r *Registration) AcceptsOnlyEncrypted() bool {
	return r.acceptOnlyEncrypted
}

// Cancel removes the registration. Cancelling twice is a no-op.
func (r *Registration) Cancel() {
	if r == nil || r.owner == nil {
		return
	}
	r.owner.removeRegistration(r)
}

type registerOptions struct {
	verifySender        bool
	acceptOnlyEncrypted bool
	key                 string
}

type RegisterOption func(*registerOptions)

// VerifySender drops envelopes whose signature does not recover to the declared signer.
func VerifySender() RegisterOption {
	return func(o *registerOptions) { o.verifySender = true }
}

// AcceptOnlyEncrypted drops envelopes that no registered decryption key could open.
func AcceptOnlyEncrypted() RegisterOption {
	return func(o *registerOptions) { o.acceptOnlyEncrypted = true }
}

// WithKey makes registration idempotent: a second On call with the same type and key returns
// the existing registration instead of adding another handler.
func WithKey(key string) RegisterOption {
	return func(o *registerOptions) { o.key = strings.TrimSpace(key) }
}

// On registers fn for messages of type typ. Handlers for a type fire in registration order.
func (d *Dispatcher) On(typ string, fn HandlerFunc, opts ...RegisterOption) (*Registration, error) {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return nil, ErrInvalidType
	}
	if fn == nil {
		return nil, ErrNilHandler
	}
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	d.regMu.Lock()
	defer d.regMu.Unlock()
	if o.key != "" {
		if existing, ok := d.keyed[registrationKey{typ: typ, key: o.key}]; ok {
			return existing, nil
		}
	}
	d.nextRegID++
	reg := &Registration{
		id:                  d.nextRegID,
		typ:                 typ,
		key:                 o.key,
		handler:             fn,
		verifySender:        o.verifySender,
		acceptOnlyEncrypted: o.acceptOnlyEncrypted,
		owner:               d,
	}
	// copy on write so Dispatch can iterate a snapshot without holding the lock
	list := make([]*Registration, 0, len(d.registrations[typ])+1)
	list = append(list, d.registrations[typ]...)
	d.registrations[typ] = append(list, reg)
	if o.key != "" {
		d.keyed[registrationKey{typ: typ, key: o.key}] = reg
	}
	return reg, nil
}

// Handle registers a typed handler; the payload is decoded into T before fn runs.
func Handle[T any](d *Dispatcher, typ string, fn func(ctx context.Context, payload T, signer string, meta Metadata) error, opts ...RegisterOption) (*Registration, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	return d.On(typ, func(ctx context.Context, raw envelope.Payload, signer string, meta Metadata) error {
		var v T
		if err := raw.Decode(&v); err != nil {
			return fmt.Errorf("%w: %v", ErrPayloadDecode, err)
		}
		return fn(ctx, v, signer, meta)
	}, opts...)
}

// RegisterDecryptionKey adds a key tried against every inbound payload, in registration order.
func (d *Dispatcher) RegisterDecryptionKey(key Decrypter) error {
	if key == nil {
		return ErrNilDecryptKey
	}
	d.regMu.Lock()
	d.decrypters = append(append([]Decrypter(nil), d.decrypters...), key)
	d.regMu.Unlock()
	return nil
}

func (d *Dispatcher) registrationsFor(typ string) []*Registration {
	d.regMu.RLock()
	defer d.regMu.RUnlock()
	return d.registrations[typ]
}

func (d *Dispatcher) decryptionKeys() []Decrypter {
	d.regMu.RLock()
	defer d.regMu.RUnlock()
	return d.decrypters
}

func (d *Dispatcher) removeRegistration(reg *Registration) {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	current := d.registrations[reg.typ]
	next := make([]*Registration, 0, len(current))
	for _, r := range current {
		if r.id != reg.id {
			next = append(next, r)
		}
	}
	if len(next) == 0 {
		delete(d.registrations, reg.typ)
	} else {
		d.registrations[reg.typ] = next
	}
	if reg.key != "" {
		k := registrationKey{typ: reg.typ, key: reg.key}
		if existing, ok := d.keyed[k]; ok && existing.id == reg.id {
			delete(d.keyed, k)
		}
	}
}

func (d *Dispatcher) clearRegistrations() {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	d.registrations = make(map[string][]*Registration)
	d.keyed = make(map[registrationKey]*Registration)
	d.decrypters = nil
}

// Registrations reports how many handlers are registered for typ.
func (d *Dispatcher) Registrations(typ string) int {
	return len(d.registrationsFor(strings.TrimSpace(typ)))
}
