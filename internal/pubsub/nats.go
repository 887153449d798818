package pubsub

import (
	"github.com/nats-io/nats.go"

	rerrors "github.com/eprosima/ddsrecorder/internal/errors"
)

// NATSTransport adapts *nats.Conn to Transport, following nats.go's own
// idiomatic Subscribe/Publish usage.
type NATSTransport struct {
	conn *nats.Conn
}

// DialNATS connects to a NATS server at url (e.g. "nats://127.0.0.1:4222").
func DialNATS(url string) (*NATSTransport, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, rerrors.NewInitializationError("pubsub.dial_nats", err)
	}
	return &NATSTransport{conn: conn}, nil
}

func (t *NATSTransport) Subscribe(subject string, handler func(Message)) (Subscription, error) {
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(Message{Subject: msg.Subject, Data: msg.Data, Reply: msg.Reply})
	})
	if err != nil {
		return nil, rerrors.NewInitializationError("pubsub.subscribe", err)
	}
	return natsSubscription{sub: sub}, nil
}

func (t *NATSTransport) Publish(subject string, data []byte) error {
	if err := t.conn.Publish(subject, data); err != nil {
		return rerrors.NewInitializationError("pubsub.publish", err)
	}
	return nil
}

func (t *NATSTransport) Close() error {
	t.conn.Close()
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
