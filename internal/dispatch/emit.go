package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wakulink/go-backend/internal/dedup"
	"wakulink/go-backend/internal/envelope"
	"wakulink/go-backend/internal/transport"
	"wakulink/go-backend/pkg/models"
)

type emitOptions struct {
	signer    Signer
	recipient Encrypter
	ephemeral *bool
}

type EmitOption func(*emitOptions)

// SignWith signs the canonical envelope and attaches the signer identity.
func SignWith(s Signer) EmitOption {
	return func(o *emitOptions) { o.signer = s }
}

// EncryptFor encrypts the encoded envelope so only the recipient's key can open it.
func EncryptFor(e Encrypter) EmitOption {
	return func(o *emitOptions) { o.recipient = e }
}

// Ephemeral overrides the dispatcher default channel variant.
func Ephemeral(v bool) EmitOption {
	return func(o *emitOptions) { o.ephemeral = &v }
}

// Emit builds, optionally signs and encrypts, and publishes one envelope. Local failures are
// returned as errors; network failures are reported in the publish result, never retried.
func (d *Dispatcher) Emit(ctx context.Context, typ string, payload any, opts ...EmitOption) (transport.PublishResult, error) {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return transport.PublishResult{}, ErrInvalidType
	}
	if !d.IsRunning() {
		return transport.PublishResult{}, ErrNotRunning
	}
	o := emitOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	ephemeral := d.cfg.Ephemeral
	if o.ephemeral != nil {
		ephemeral = *o.ephemeral
	}
	log := d.logger.With("operation", "emit", "type", typ)

	// transports and stores keep milliseconds; stamp at that precision so hashes survive them
	now := time.UnixMilli(d.now().UnixMilli())
	if d.limiter != nil && !d.limiter.Allow(typ, now) {
		d.noteOutboundFailure()
		return transport.PublishResult{}, ErrRateLimited
	}

	raw, err := d.buildEnvelope(typ, payload, now.UnixMilli(), o)
	if err != nil {
		d.noteOutboundFailure()
		return transport.PublishResult{}, err
	}

	msg := transport.Message{
		Payload:      raw,
		ContentTopic: d.topic.Content,
		PubsubTopic:  d.topic.Pubsub,
		Timestamp:    now,
		Ephemeral:    ephemeral,
	}
	res := d.transport.Publish(ctx, d.topic, msg)
	d.metrics.Published(ephemeral, res.OK())
	if !res.OK() {
		d.noteOutboundFailure()
		log.Warn("publish failed", "errors", res.Errors)
		d.publishStatus()
		return res, nil
	}
	if !ephemeral {
		d.persistOutbound(ctx, msg)
	}
	log.Debug("message published", "ephemeral", ephemeral, "encrypted", o.recipient != nil)
	return res, nil
}

func (d *Dispatcher) buildEnvelope(typ string, payload any, ts int64, o emitOptions) ([]byte, error) {
	body, err := envelope.MarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	env := envelope.Envelope{Type: typ, Payload: body, Timestamp: ts}
	if o.signer != nil {
		identity := o.signer.Identity()
		if identity == "" {
			return nil, ErrInvalidEmitKey
		}
		env.Signer = identity
		signable, err := env.SignableBytes()
		if err != nil {
			return nil, fmt.Errorf("canonical envelope: %w", err)
		}
		sig, err := o.signer.Sign(signable)
		if err != nil {
			return nil, fmt.Errorf("sign envelope: %w", err)
		}
		env.Signature = sig
	}
	raw, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if o.recipient != nil {
		raw, err = o.recipient.Encrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("encrypt envelope: %w", err)
		}
	}
	return raw, nil
}

func (d *Dispatcher) persistOutbound(ctx context.Context, msg transport.Message) {
	if d.store == nil {
		return
	}
	hash := dedup.ComputeHash(msg.ContentTopic, msg.Payload, msg.Timestamp, msg.PubsubTopic)
	rec := models.StoredMessage{
		Hash:         hash.String(),
		Direction:    models.DirectionOut,
		ContentTopic: msg.ContentTopic,
		PubsubTopic:  msg.PubsubTopic,
		Payload:      msg.Payload,
		Timestamp:    msg.Timestamp,
	}
	if err := d.store.Append(ctx, rec); err != nil {
		d.logger.Warn("persist outbound message failed", "operation", "emit", "error", err.Error())
	}
}
