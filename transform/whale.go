package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
)

// largeTransactionThreshold is the amount above which a whale movement is
// escalated to critical priority and flagged for the UI.
const largeTransactionThreshold = 10000

// whaleTransformer handles large-wallet transactions. Emitted updates target
// the wallet entity at medium priority; amounts above the threshold escalate
// to critical.
type whaleTransformer struct{}

func (t *whaleTransformer) Kind() message.Kind { return message.KindWhaleMovement }

type whaleWire struct {
	WalletAddress   string  `json:"walletAddress"`
	TransactionType string  `json:"transactionType"`
	Amount          numeric `json:"amount"`
	CollectionID    string  `json:"collectionId"`
	NFTID           string  `json:"nftId"`
	Timestamp       string  `json:"timestamp"`
}

func (t *whaleTransformer) Transform(raw json.RawMessage) (message.Update, error) {
	var w whaleWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return message.Update{}, errors.WrapInvalid(err, "WhaleTransformer", "Transform", "payload parsing")
	}
	if w.WalletAddress == "" {
		return message.Update{}, errors.WrapInvalid(errors.ErrMissingField, "WhaleTransformer", "Transform",
			"walletAddress validation")
	}
	switch w.TransactionType {
	case "buy", "sell", "transfer":
	case "":
		return message.Update{}, errors.WrapInvalid(errors.ErrMissingField, "WhaleTransformer", "Transform",
			"transactionType validation")
	default:
		return message.Update{}, errors.WrapInvalid(errors.ErrInvalidData, "WhaleTransformer", "Transform",
			fmt.Sprintf("transactionType %q not recognized", w.TransactionType))
	}

	payload := message.WhalePayload{
		WalletAddress:   strings.ToLower(w.WalletAddress),
		TransactionType: w.TransactionType,
		Amount:          clamp(float64(w.Amount)),
		CollectionID:    w.CollectionID,
		NFTID:           w.NFTID,
		Timestamp:       w.Timestamp,
	}

	priority := message.PriorityMedium
	if payload.Amount > largeTransactionThreshold {
		priority = message.PriorityCritical
		payload.IsLargeTransaction = true
	}

	return message.Update{
		ID:         uuid.NewString(),
		Type:       message.UpdateWhale,
		EntityID:   payload.WalletAddress,
		EntityType: message.EntityWallet,
		Priority:   priority,
		Timestamp:  time.Now().UTC(),
		Data:       message.MustMarshal(payload),
	}, nil
}
