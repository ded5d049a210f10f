package models

import (
	"strings"
	"time"
)

type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	default:
		return "unknown"
	}
}

func ParseDirection(raw string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "in":
		return DirectionIn, true
	case "out":
		return DirectionOut, true
	default:
		return DirectionIn, false
	}
}

// StoredMessage is one transport message as it was received (or sent), keyed by its dedup hash.
type StoredMessage struct {
	Hash         string    `json:"hash"`
	Direction    Direction `json:"direction"`
	ContentTopic string    `json:"content_topic"`
	PubsubTopic  string    `json:"pubsub_topic"`
	Payload      []byte    `json:"payload"`
	Timestamp    time.Time `json:"timestamp"`
	Ephemeral    bool      `json:"ephemeral,omitempty"`
}

type ConnectionInfo struct {
	State                  string    `json:"state"`
	PeerAddresses          []string  `json:"peer_addresses"`
	SubscriptionConnected  bool      `json:"subscription_connected"`
	ResubscribeAttempts    int       `json:"resubscribe_attempts"`
	LastDeliveredTimestamp time.Time `json:"last_delivered_timestamp,omitempty"`
	OutboundFailures       int       `json:"outbound_failures"`
}
