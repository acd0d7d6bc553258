// Package events defines the change-event model shared by every pipeline
// stage: the canonical BaseEvent, its type enum, and the raw ChainRecord shape
// produced by the blockchain listener layer.
package events

import (
	"fmt"
	"strings"
	"time"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// EventType names a kind of change event. Each type is persisted on its own
// topic, see Topic.
type EventType string

const (
	NFTTransfer      EventType = "NFT_TRANSFER"
	NFTSale          EventType = "NFT_SALE"
	NFTMint          EventType = "NFT_MINT"
	MetadataUpdate   EventType = "METADATA_UPDATE"
	FraudSignal      EventType = "FRAUD_SIGNAL"
	TrustScoreUpdate EventType = "TRUST_SCORE_UPDATE"
	PriceUpdate      EventType = "PRICE_UPDATE"
)

// TopicPrefix is prepended to the event type to form the topic name.
const TopicPrefix = "events."

// KnownTypes lists every built-in event type in declaration order.
func KnownTypes() []EventType {
	return []EventType{NFTTransfer, NFTSale, NFTMint, MetadataUpdate, FraudSignal, TrustScoreUpdate, PriceUpdate}
}

// Topic returns the event log topic for t.
func (t EventType) Topic() string {
	return TopicPrefix + string(t)
}

// Valid reports whether t is non-empty and upper snake case.
func (t EventType) Valid() bool {
	if t == "" {
		return false
	}
	for _, r := range string(t) {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// ParseEventType normalises s (case, dashes) into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !t.Valid() {
		return "", fmt.Errorf("%w: event type %q", errspkg.ErrInvalidEvent, s)
	}
	return t, nil
}

// TypeFromTopic extracts the event type from an events.<type> topic name.
func TypeFromTopic(topic string) (EventType, bool) {
	if !strings.HasPrefix(topic, TopicPrefix) {
		return "", false
	}
	t := EventType(strings.TrimPrefix(topic, TopicPrefix))
	return t, t.Valid()
}

// BaseEvent is the canonical change event. Its identity is ID; pipeline
// stages return modified copies instead of mutating the input.
type BaseEvent struct {
	ID              string            `json:"id"`
	Type            EventType         `json:"type"`
	Timestamp       time.Time         `json:"timestamp"`
	Version         int               `json:"version"`
	Source          string            `json:"source"`
	ProducerID      string            `json:"producerId"`
	ContractAddress string            `json:"contractAddress,omitempty"`
	TokenID         string            `json:"tokenId,omitempty"`
	BlockNumber     uint64            `json:"blockNumber,omitempty"`
	TxHash          string            `json:"txHash,omitempty"`
	Payload         map[string]any    `json:"payload,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
}

// EntityID identifies the asset the event is about. It is the partitioning
// key for per-entity ordering and falls back to the event id.
func (e BaseEvent) EntityID() string {
	switch {
	case e.ContractAddress != "" && e.TokenID != "":
		return strings.ToLower(e.ContractAddress) + ":" + e.TokenID
	case e.ContractAddress != "":
		return strings.ToLower(e.ContractAddress)
	default:
		return e.ID
	}
}

// Validate checks the fields every persisted event must carry.
func (e BaseEvent) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", errspkg.ErrInvalidEvent)
	case !e.Type.Valid():
		return fmt.Errorf("%w: invalid type %q", errspkg.ErrInvalidEvent, e.Type)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", errspkg.ErrInvalidEvent)
	case e.Version < 1:
		return fmt.Errorf("%w: version must be positive", errspkg.ErrInvalidEvent)
	}
	return nil
}

// Clone returns a copy whose maps may be modified without affecting e.
func (e BaseEvent) Clone() BaseEvent {
	out := e
	if e.Payload != nil {
		out.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	if e.Context != nil {
		out.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			out.Context[k] = v
		}
	}
	return out
}

// WithContext returns a copy of e with key set in its context map.
func (e BaseEvent) WithContext(key, value string) BaseEvent {
	out := e.Clone()
	if out.Context == nil {
		out.Context = make(map[string]string, 1)
	}
	out.Context[key] = value
	return out
}

// ChainRecord is a change record as emitted by the blockchain listener layer.
type ChainRecord struct {
	Type            string         `json:"type"`
	BlockNumber     uint64         `json:"blockNumber"`
	Timestamp       time.Time      `json:"timestamp"`
	ContractAddress string         `json:"contractAddress"`
	TokenID         string         `json:"tokenId"`
	TxHash          string         `json:"txHash,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
}
