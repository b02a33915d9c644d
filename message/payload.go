package message

import (
	"encoding/json"
	"fmt"

	"github.com/showito/realtime/errors"
)

// Payload is the tagged union of event payloads. Each concrete payload knows
// its kind; DecodePayload dispatches on the event kind.
type Payload interface {
	Kind() Kind
}

// PricePayload carries a collection floor price change.
type PricePayload struct {
	CollectionID string  `json:"collectionId"`
	FloorPrice   float64 `json:"floorPrice"`
	Volume24h    float64 `json:"volume24h"`
	Change24h    float64 `json:"change24h"`
	Timestamp    string  `json:"timestamp,omitempty"`
}

// Kind implements Payload.
func (PricePayload) Kind() Kind { return KindPriceUpdate }

// SalePayload carries a completed NFT sale.
type SalePayload struct {
	NFTID        string  `json:"nftId"`
	CollectionID string  `json:"collectionId"`
	Price        float64 `json:"price"`
	Buyer        string  `json:"buyer"`
	Seller       string  `json:"seller"`
	Timestamp    string  `json:"timestamp,omitempty"`
}

// Kind implements Payload.
func (SalePayload) Kind() Kind { return KindNewSale }

// WhalePayload carries a large-wallet transaction.
type WhalePayload struct {
	WalletAddress      string  `json:"walletAddress"`
	TransactionType    string  `json:"transactionType"`
	Amount             float64 `json:"amount"`
	CollectionID       string  `json:"collectionId,omitempty"`
	NFTID              string  `json:"nftId,omitempty"`
	IsLargeTransaction bool    `json:"isLargeTransaction,omitempty"`
	Timestamp          string  `json:"timestamp,omitempty"`
}

// Kind implements Payload.
func (WhalePayload) Kind() Kind { return KindWhaleMovement }

// AlertPayload carries a user-facing alert. It passes through the pipeline
// untransformed.
type AlertPayload struct {
	AlertID      string  `json:"alertId"`
	CollectionID string  `json:"collectionId"`
	AlertType    string  `json:"alertType"`
	Message      string  `json:"message"`
	Threshold    float64 `json:"threshold,omitempty"`
	CurrentValue float64 `json:"currentValue,omitempty"`
	Timestamp    string  `json:"timestamp,omitempty"`
}

// Kind implements Payload.
func (AlertPayload) Kind() Kind { return KindAlertTrigger }

// DecodePayload parses raw into the typed payload for kind. Unknown kinds
// and malformed JSON return invalid-class errors.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindPriceUpdate:
		var v PricePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindNewSale:
		var v SalePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindWhaleMovement:
		var v WhalePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindAlertTrigger:
		var v AlertPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownKind, "message", "DecodePayload",
			fmt.Sprintf("kind %q", kind))
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "message", "DecodePayload",
			fmt.Sprintf("parsing %s payload", kind))
	}
	return p, nil
}

// MustMarshal encodes v, panicking on failure. Only used with types in this
// package, which always marshal.
func MustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
