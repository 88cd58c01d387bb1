package comm

import (
	"encoding/json"
	"time"
)

const (
	// CardEventsSubject carries card lifecycle events.
	CardEventsSubject = "card.events"
	// HeartbeatSubject carries ServiceHeartbeat from background workers.
	HeartbeatSubject = "card.heartbeat"
)

const (
	EventCardGenerated = "card-generated"
	EventCardBound     = "card-bound"
	EventCardExpired   = "card-expired"
	EventCardUnbound   = "card-unbound"
)

// WSMessage is the envelope used on NATS and on the admin websocket.
type WSMessage struct {
	Type     string          `json:"type"` // e.g. "card-bound", "card-expired"
	Data     json.RawMessage `json:"data"`
	SocketId string          `json:"socketid,omitempty"`
}

type CardEvent struct {
	Type      string     `json:"type"`
	CardID    string     `json:"card_id,omitempty"`
	Key       string     `json:"key,omitempty"`
	Status    string     `json:"status,omitempty"`
	HWID      string     `json:"hwid,omitempty"`
	BatchID   string     `json:"batch_id,omitempty"`
	Count     int        `json:"count,omitempty"` // card-generated only
	ExpiredAt *time.Time `json:"expired_at,omitempty"`
	At        time.Time  `json:"at"`
}

// ServiceHeartbeat is published by long running workers such as the sweeper.
type ServiceHeartbeat struct {
	ID        string    `json:"id"` // service id
	Timestamp time.Time `json:"timestamp"`
}

// Envelope wraps a card event into a WSMessage.
func (e CardEvent) Envelope() (*WSMessage, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &WSMessage{Type: e.Type, Data: data}, nil
}
