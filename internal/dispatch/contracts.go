package dispatch

import (
	"context"
	"time"

	"wakulink/go-backend/pkg/models"
)

// Signer produces recoverable signatures over the canonical envelope bytes.
type Signer interface {
	Identity() string
	Sign(data []byte) ([]byte, error)
}

// Verifier recovers the identity that produced sig over data.
type Verifier interface {
	Recover(data, sig []byte) (string, error)
}

type Encrypter interface {
	Encrypt(plaintext []byte) ([]byte, error)
}

type Decrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Store persists transport records. Append must treat an existing hash as a no-op.
type Store interface {
	Append(ctx context.Context, rec models.StoredMessage) error
	All(ctx context.Context) ([]models.StoredMessage, error)
}

type Limiter interface {
	Allow(key string, now time.Time) bool
}

type Metrics interface {
	InboundMessage(outcome Outcome)
	CallbackResult(msgType string, err error)
	Published(ephemeral bool, ok bool)
	ResubscribeAttempt(ok bool)
	Replayed(source string, n int)
	SubscriptionConnected(connected bool)
}

type nopMetrics struct{}

func (nopMetrics) InboundMessage(Outcome) {}
func (nopMetrics) CallbackResult(string, error) {}
func (nopMetrics) Published(bool, bool) {}
func (nopMetrics) ResubscribeAttempt(bool) {}
func (nopMetrics) Replayed(string, int) {}
func (nopMetrics) SubscriptionConnected(bool) {}
