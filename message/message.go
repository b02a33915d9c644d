// Package message defines the wire and pipeline data types: raw event kinds,
// typed payloads, processed updates, priorities, channels, and the WebSocket
// envelope.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a raw inbound event.
type Kind string

// Raw event kinds accepted by the pipeline.
const (
	KindPriceUpdate   Kind = "price_update"
	KindNewSale       Kind = "new_sale"
	KindWhaleMovement Kind = "whale_movement"
	KindAlertTrigger  Kind = "alert_trigger"
)

// UpdateType categorizes a processed update for throttling and routing.
type UpdateType string

// Processed update types.
const (
	UpdatePrice  UpdateType = "price"
	UpdateSale   UpdateType = "sale"
	UpdateWhale  UpdateType = "whale"
	UpdateVolume UpdateType = "volume"
	UpdateAlert  UpdateType = "alert"
)

// EntityType identifies what kind of entity an update describes.
type EntityType string

// Entity types.
const (
	EntityCollection EntityType = "collection"
	EntityNFT        EntityType = "nft"
	EntityWallet     EntityType = "wallet"
)

// Priority orders updates within a batch. Higher values sort first.
type Priority int

// Priorities, lowest to highest.
const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a priority name; unknown names fall back to medium.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// ParsePriority maps a name to a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// RawEvent is an inbound event before transformation.
type RawEvent struct {
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Received time.Time       `json:"received"`
}

// Update is a transformed, sanitized event flowing through the processor.
type Update struct {
	ID         string          `json:"id"`
	Type       UpdateType      `json:"type"`
	EntityID   string          `json:"entityId"`
	EntityType EntityType      `json:"entityType"`
	Priority   Priority        `json:"priority"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

// EntityKey returns the throttle/grouping key: "entityType:entityId".
func (u Update) EntityKey() string {
	return fmt.Sprintf("%s:%s", u.EntityType, u.EntityID)
}

// Broadcast channels.
const (
	ChannelWhaleActivity = "whale_activity"
	ChannelAlerts        = "alerts"

	collectionChannelPrefix = "collection:"
)

// CollectionChannel returns the per-collection channel name.
func CollectionChannel(collectionID string) string {
	return collectionChannelPrefix + collectionID
}

// CollectionFromChannel extracts the collection id from a collection channel
// name, or "" if the channel is not collection-scoped.
func CollectionFromChannel(channel string) string {
	if strings.HasPrefix(channel, collectionChannelPrefix) {
		return strings.TrimPrefix(channel, collectionChannelPrefix)
	}
	return ""
}

// Envelope frame types exchanged over WebSocket.
const (
	TypeConnectionStatus = "connection_status"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypePing             = "ping"
	TypePong             = "pong"
	TypePriceUpdate      = "price_update"
	TypeNewSale          = "new_sale"
	TypeWhaleMovement    = "whale_movement"
	TypeAlertTrigger     = "alert_trigger"
)

// Envelope is the WebSocket wire frame in both directions.
type Envelope struct {
	Type         string          `json:"type"`
	CollectionID string          `json:"collectionId,omitempty"`
	NFTID        string          `json:"nftId,omitempty"`
	Channels     []string        `json:"channels,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
}

// Stamp sets the envelope timestamp to now in RFC3339 if unset.
func (e *Envelope) Stamp() {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
}

// ConnectionStatus is the payload of a connection_status frame.
type ConnectionStatus struct {
	ClientID      string   `json:"clientId"`
	Subscriptions []string `json:"subscriptions"`
	Message       string   `json:"message,omitempty"`
}
