package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"wakulink/go-backend/internal/dedup"
	"wakulink/go-backend/internal/envelope"
	"wakulink/go-backend/internal/transport"
	"wakulink/go-backend/pkg/models"
)

type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeUnknownType Outcome = "unknown_type"
	// OutcomeFiltered means every registration for the type skipped the message.
	OutcomeFiltered Outcome = "filtered"
)

// Dispatch routes one raw transport message to the registered handlers. Nothing raised by
// decoding, verification or a handler escapes this call.
func (d *Dispatcher) Dispatch(ctx context.Context, msg transport.Message, fromStorage bool) Outcome {
	outcome := d.dispatch(ctx, msg, fromStorage)
	d.metrics.InboundMessage(outcome)
	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, msg transport.Message, fromStorage bool) Outcome {
	plaintext, encrypted := d.decrypt(msg.Payload)

	hash := dedup.ComputeHash(msg.ContentTopic, msg.Payload, msg.Timestamp, msg.PubsubTopic)
	if !d.seen.Admit(hash) {
		return OutcomeDuplicate
	}
	log := d.logger.With("operation", "dispatch", "hash", hash.String())

	env, err := envelope.Decode(plaintext)
	if err != nil {
		log.Debug("dropping undecodable message", "error", err.Error(), "encrypted", encrypted)
		return OutcomeMalformed
	}
	signed := env
	if env.Timestamp == 0 && !msg.Timestamp.IsZero() {
		env.Timestamp = msg.Timestamp.UnixMilli()
	}
	log = log.With("type", env.Type)

	regs := d.registrationsFor(env.Type)
	if len(regs) == 0 {
		log.Debug("no handler for message type")
		return OutcomeUnknownType
	}

	meta := Metadata{
		Encrypted:    encrypted,
		FromStore:    fromStorage,
		Timestamp:    env.Time(),
		Ephemeral:    msg.Ephemeral,
		ContentTopic: msg.ContentTopic,
		PubsubTopic:  msg.PubsubTopic,
		Hash:         hash.String(),
	}
	verified := newSignatureCheck(d.verifier, signed)
	persisted := false
	accepted := 0
	for _, reg := range regs {
		if reg.acceptOnlyEncrypted && !encrypted {
			log.Debug("skipping plaintext message for encrypted-only handler")
			continue
		}
		signer := verified.identity()
		if reg.verifySender && signer == "" {
			log.Warn("sender verification failed", "signer", env.Signer, "reason", verified.reason())
			continue
		}
		if !persisted && !fromStorage && !msg.Ephemeral {
			d.persist(ctx, log, hash, msg)
			persisted = true
		}
		accepted++
		d.invoke(ctx, log, reg, env.Payload, signer, meta)
	}
	if accepted == 0 {
		return OutcomeFiltered
	}
	d.noteDelivered(meta.Timestamp)
	return OutcomeDelivered
}

// decrypt tries each registered key in order. A payload no key opens is treated as plaintext.
func (d *Dispatcher) decrypt(payload []byte) ([]byte, bool) {
	for _, key := range d.decryptionKeys() {
		plaintext, err := key.Decrypt(payload)
		if err == nil {
			return plaintext, true
		}
	}
	return payload, false
}

func (d *Dispatcher) persist(ctx context.Context, log *slog.Logger, hash dedup.Hash, msg transport.Message) {
	if d.store == nil {
		return
	}
	rec := models.StoredMessage{
		Hash:         hash.String(),
		Direction:    models.DirectionIn,
		ContentTopic: msg.ContentTopic,
		PubsubTopic:  msg.PubsubTopic,
		Payload:      append([]byte(nil), msg.Payload...),
		Timestamp:    msg.Timestamp,
		Ephemeral:    msg.Ephemeral,
	}
	if err := d.store.Append(ctx, rec); err != nil {
		log.Warn("persist inbound message failed", "error", err.Error())
	}
}

func (d *Dispatcher) invoke(ctx context.Context, log *slog.Logger, reg *Registration, payload envelope.Payload, signer string, meta Metadata) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrCallbackPanic, r)
				log.Error("handler panicked", "registration", reg.id, "stack", string(debug.Stack()))
			}
		}()
		return reg.handler(ctx, payload, signer, meta)
	}()
	d.metrics.CallbackResult(reg.typ, err)
	if err != nil {
		log.Warn("handler failed", "registration", reg.id, "error", err.Error())
	}
}

// signatureCheck recovers the signer at most once per message.
type signatureCheck struct {
	verifier Verifier
	env      envelope.Envelope
	done     bool
	signer   string
	why      string
}

func newSignatureCheck(v Verifier, env envelope.Envelope) *signatureCheck {
	return &signatureCheck{verifier: v, env: env}
}

func (c *signatureCheck) identity() string {
	if !c.done {
		c.done = true
		c.signer, c.why = c.check()
	}
	return c.signer
}

func (c *signatureCheck) reason() string {
	c.identity()
	return c.why
}

func (c *signatureCheck) check() (string, string) {
	if !c.env.IsSigned() {
		return "", "missing signature"
	}
	if c.env.Signer == "" {
		return "", "missing signer"
	}
	if c.verifier == nil {
		return "", "no verifier configured"
	}
	data, err := c.env.SignableBytes()
	if err != nil {
		return "", err.Error()
	}
	recovered, err := c.verifier.Recover(data, c.env.Signature)
	if err != nil {
		return "", err.Error()
	}
	if recovered != c.env.Signer {
		return "", "recovered signer mismatch"
	}
	return recovered, ""
}
