package broker

import (
	"encoding/json"

	"github.com/avvvet/cardkey-services/internal/comm"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Broker moves card events over NATS so every cardsvc instance, and the
// sweeper, feed the same admin event stream.
type Broker struct {
	Conn    *nats.Conn
	Subject string
}

func NewBroker(nc *nats.Conn) *Broker {
	return &Broker{
		Conn:    nc,
		Subject: comm.CardEventsSubject,
	}
}

// Publish sends a card event. Errors are logged only; callers never wait on
// event delivery.
func (b *Broker) Publish(ev comm.CardEvent) {
	payload, err := encode(ev)
	if err != nil {
		log.Errorf("Error [Broker.Publish] unable to marshal %s event for card %s: %s", ev.Type, ev.CardID, err)
		return
	}

	if err := b.Conn.Publish(b.Subject, payload); err != nil {
		log.Errorf("Error publishing to topic %s: %s", b.Subject, err)
	}
}

// PublishHeartbeat announces that a background worker is alive.
func (b *Broker) PublishHeartbeat(hb comm.ServiceHeartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	if err := b.Conn.Publish(comm.HeartbeatSubject, data); err != nil {
		log.Errorf("Error publishing heartbeat for %s: %s", hb.ID, err)
		return err
	}
	return nil
}

// Subscribe delivers every card event on the subject to handler.
func (b *Broker) Subscribe(handler func(*comm.WSMessage)) (*nats.Subscription, error) {
	sub, err := b.Conn.Subscribe(b.Subject, func(m *nats.Msg) {
		handleMessage(m, handler)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func encode(ev comm.CardEvent) ([]byte, error) {
	msg, err := ev.Envelope()
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func handleMessage(m *nats.Msg, handler func(*comm.WSMessage)) {
	msg := &comm.WSMessage{}
	if err := json.Unmarshal(m.Data, msg); err != nil {
		log.Errorf("Error nats message on %s: %s", m.Subject, err)
		return
	}

	switch msg.Type {
	case comm.EventCardGenerated, comm.EventCardBound, comm.EventCardExpired, comm.EventCardUnbound:
		handler(msg)
	default:
		log.Warnf("unknown card event received: %s", msg.Type)
	}
}
