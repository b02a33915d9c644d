package transform

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
)

// priceTransformer handles collection floor price changes. Emitted updates
// target the collection entity at high priority.
type priceTransformer struct{}

func (t *priceTransformer) Kind() message.Kind { return message.KindPriceUpdate }

type priceWire struct {
	CollectionID string   `json:"collectionId"`
	FloorPrice   *numeric `json:"floorPrice"`
	Volume24h    numeric  `json:"volume24h"`
	Change24h    numeric  `json:"change24h"`
	Timestamp    string   `json:"timestamp"`
}

func (t *priceTransformer) Transform(raw json.RawMessage) (message.Update, error) {
	var w priceWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return message.Update{}, errors.WrapInvalid(err, "PriceTransformer", "Transform", "payload parsing")
	}
	if w.CollectionID == "" {
		return message.Update{}, errors.WrapInvalid(errors.ErrMissingField, "PriceTransformer", "Transform",
			"collectionId validation")
	}
	if w.FloorPrice == nil {
		return message.Update{}, errors.WrapInvalid(errors.ErrMissingField, "PriceTransformer", "Transform",
			"floorPrice validation")
	}

	payload := message.PricePayload{
		CollectionID: w.CollectionID,
		FloorPrice:   clamp(float64(*w.FloorPrice)),
		Volume24h:    clamp(float64(w.Volume24h)),
		Change24h:    float64(w.Change24h),
		Timestamp:    w.Timestamp,
	}

	return message.Update{
		ID:         uuid.NewString(),
		Type:       message.UpdatePrice,
		EntityID:   payload.CollectionID,
		EntityType: message.EntityCollection,
		Priority:   message.PriorityHigh,
		Timestamp:  time.Now().UTC(),
		Data:       message.MustMarshal(payload),
	}, nil
}
