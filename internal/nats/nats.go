package nats

import (
	"os"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

type Nats struct {
	Url   string
	Token string
	Conn  *nats.Conn
}

// Options builds the client options for service from NATS_TOKEN.
func (n *Nats) Options(service string) []nats.Option {
	opts := []nats.Option{
		nats.Name(service + " service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("NATS reconnected to %s", c.ConnectedUrl())
		}),
	}

	// if token provided
	if n.Token != "" {
		opts = append(opts, nats.Token(n.Token))
	}
	return opts
}

func New() *Nats {
	n := &Nats{
		Url:   os.Getenv("NATS_URL"),
		Token: os.Getenv("NATS_TOKEN"),
	}
	if n.Url == "" {
		n.Url = nats.DefaultURL
	}
	return n
}

// Connect dials NATS_URL (default nats://127.0.0.1:4222) on behalf of service.
func Connect(service string) (*Nats, error) {
	n := New()

	conn, err := nats.Connect(n.Url, n.Options(service)...)
	if err != nil {
		return nil, err
	}

	n.Conn = conn
	return n, nil
}
