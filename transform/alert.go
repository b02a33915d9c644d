package transform

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
)

// alertFallbackEntity groups alerts that arrive without a collection id.
const alertFallbackEntity = "alert"

// alertTransformer passes alert payloads through untouched. Alerts are
// always critical and target the collection entity; without a collection id
// they degrade to a shared fallback entity rather than being dropped.
type alertTransformer struct{}

func (t *alertTransformer) Kind() message.Kind { return message.KindAlertTrigger }

func (t *alertTransformer) Transform(raw json.RawMessage) (message.Update, error) {
	var w struct {
		CollectionID string `json:"collectionId"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return message.Update{}, errors.WrapInvalid(err, "AlertTransformer", "Transform", "payload parsing")
	}
	entityID := w.CollectionID
	if entityID == "" {
		entityID = alertFallbackEntity
	}

	return message.Update{
		ID:         uuid.NewString(),
		Type:       message.UpdateAlert,
		EntityID:   entityID,
		EntityType: message.EntityCollection,
		Priority:   message.PriorityCritical,
		Timestamp:  time.Now().UTC(),
		Data:       raw,
	}, nil
}
