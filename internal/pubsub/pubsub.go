// Package pubsub defines the message/command transport contract the
// ingress adapter and remote command endpoint ride on, plus a NATS-backed
// implementation. Nothing in internal/handler or internal/model imports
// this package; internal/ingress, internal/command, internal/session and
// cmd/record do.
package pubsub

// Message is one payload received on a subject, independent of transport.
type Message struct {
	Subject string
	Data    []byte
	Reply   string
}

// Subscription can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the minimal publish/subscribe contract the recording engine
// needs from the pub/sub middleware: a subscribe/callback shape generalized
// to any subject-addressed pub/sub system.
type Transport interface {
	// Subscribe registers handler for every message published on subject.
	// handler must not block for long; the Ingress adapter and command
	// endpoint dispatch synchronously from the transport's callback.
	Subscribe(subject string, handler func(Message)) (Subscription, error)
	// Publish sends data on subject.
	Publish(subject string, data []byte) error
	// Close releases the underlying connection; safe to call once.
	Close() error
}
