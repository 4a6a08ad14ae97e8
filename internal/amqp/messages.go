package amqp

import (
	"encoding/json"
	"time"

	"festa/internal/core"
)

// PurchaseEvent announces that a step of a purchase was recorded.
// It carries only identifiers; the worker loads the purchase from the database.
type PurchaseEvent struct {
	PurchaseID string         `json:"purchase_id"`
	Step       core.Procedure `json:"step"`
	ActorID    string         `json:"actor_id"`
	Version    int64          `json:"version"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewPurchaseEvent creates an event stamped with the current time
func NewPurchaseEvent(purchaseID string, step core.Procedure, actorID string, version int64) *PurchaseEvent {
	return &PurchaseEvent{
		PurchaseID: purchaseID,
		Step:       step,
		ActorID:    actorID,
		Version:    version,
		Timestamp:  time.Now(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *PurchaseEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// PurchaseEventFromJSON creates an event from JSON bytes
func PurchaseEventFromJSON(data []byte) (*PurchaseEvent, error) {
	var e PurchaseEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
