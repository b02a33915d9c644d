package transform

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
)

// saleTransformer handles completed NFT sales. Emitted updates target the
// NFT entity at high priority. Wallet addresses are lowercased so downstream
// consumers can compare them directly.
type saleTransformer struct{}

func (t *saleTransformer) Kind() message.Kind { return message.KindNewSale }

type saleWire struct {
	NFTID        string  `json:"nftId"`
	CollectionID string  `json:"collectionId"`
	Price        numeric `json:"price"`
	Buyer        string  `json:"buyer"`
	Seller       string  `json:"seller"`
	Timestamp    string  `json:"timestamp"`
}

func (t *saleTransformer) Transform(raw json.RawMessage) (message.Update, error) {
	var w saleWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return message.Update{}, errors.WrapInvalid(err, "SaleTransformer", "Transform", "payload parsing")
	}
	if w.NFTID == "" {
		return message.Update{}, errors.WrapInvalid(errors.ErrMissingField, "SaleTransformer", "Transform",
			"nftId validation")
	}
	if w.CollectionID == "" {
		return message.Update{}, errors.WrapInvalid(errors.ErrMissingField, "SaleTransformer", "Transform",
			"collectionId validation")
	}
	if w.Buyer == "" {
		return message.Update{}, errors.WrapInvalid(errors.ErrMissingField, "SaleTransformer", "Transform",
			"buyer validation")
	}
	if w.Price <= 0 {
		return message.Update{}, errors.WrapInvalid(errors.ErrInvalidData, "SaleTransformer", "Transform",
			"price must be positive")
	}

	payload := message.SalePayload{
		NFTID:        w.NFTID,
		CollectionID: w.CollectionID,
		Price:        float64(w.Price),
		Buyer:        strings.ToLower(w.Buyer),
		Seller:       strings.ToLower(w.Seller),
		Timestamp:    w.Timestamp,
	}
	if payload.Seller != "" && payload.Buyer == payload.Seller {
		return message.Update{}, errors.WrapInvalid(errors.ErrInvalidData, "SaleTransformer", "Transform",
			"buyer and seller identical")
	}

	return message.Update{
		ID:         uuid.NewString(),
		Type:       message.UpdateSale,
		EntityID:   payload.NFTID,
		EntityType: message.EntityNFT,
		Priority:   message.PriorityHigh,
		Timestamp:  time.Now().UTC(),
		Data:       message.MustMarshal(payload),
	}, nil
}
