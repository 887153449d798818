// Package ingress implements the ingress adapter: it subscribes to the
// configured topics and a dynamic-type discovery stream, then fans each
// received sample or discovered type out to every attached recording
// handler, synchronously and in arrival order.
package ingress

import (
	"path"
	"sync"

	"github.com/eprosima/ddsrecorder/internal/model"
	"github.com/eprosima/ddsrecorder/internal/payload"
	"github.com/eprosima/ddsrecorder/internal/pubsub"
)

// HandlerTarget is the subset of *handler.Handler the adapter drives. An
// interface here keeps this package independent of internal/handler.
type HandlerTarget interface {
	AddData(topic model.Topic, msg model.Message) error
	AddSchema(dt model.DynamicType) error
}

// Config configures topic filtering and the subjects the adapter listens
// on.
type Config struct {
	// Allow/Deny are shell-glob patterns (path.Match syntax) matched
	// against a topic's name. A topic is accepted if Allow is empty or it
	// matches at least one Allow pattern, and it matches no Deny pattern.
	Allow []string
	Deny  []string

	DataSubject      string // e.g. "ddsrecorder.data.>"
	DiscoverySubject string // e.g. "ddsrecorder.types"

	// UseReceiveTimeAsLogTime sets log_time to the wall clock at receipt
	// instead of copying publish_time.
	UseReceiveTimeAsLogTime bool

	Pool *payload.Pool
}

// Adapter is the Ingress adapter for one recording session.
type Adapter struct {
	transport pubsub.Transport
	cfg       Config

	mu       sync.Mutex
	handlers []HandlerTarget
	subs     []pubsub.Subscription
	inFlight sync.WaitGroup
}

// New constructs an Adapter bound to transport.
func New(transport pubsub.Transport, cfg Config) *Adapter {
	return &Adapter{transport: transport, cfg: cfg}
}

// Attach registers h to receive every future add_data/add_schema call.
// Safe to call before or after Start.
func (a *Adapter) Attach(h HandlerTarget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

// Start subscribes to the data and discovery subjects.
func (a *Adapter) Start() error {
	dataSub, err := a.transport.Subscribe(a.cfg.DataSubject, a.onData)
	if err != nil {
		return err
	}
	typeSub, err := a.transport.Subscribe(a.cfg.DiscoverySubject, a.onType)
	if err != nil {
		_ = dataSub.Unsubscribe()
		return err
	}
	a.mu.Lock()
	a.subs = append(a.subs, dataSub, typeSub)
	a.mu.Unlock()
	return nil
}

// Stop unsubscribes from every subject and waits for in-flight callbacks to
// drain before returning, so handlers see no further events after Stop
// returns.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	var firstErr error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.inFlight.Wait()
	return firstErr
}

func (a *Adapter) onData(msg pubsub.Message) {
	a.inFlight.Add(1)
	defer a.inFlight.Done()

	env, err := decodeEnvelope(msg.Data)
	if err != nil {
		return
	}
	if !a.accept(env.Topic.Name) {
		return
	}
	if a.cfg.UseReceiveTimeAsLogTime {
		env.LogTime = nowFunc()
	} else {
		env.LogTime = env.PublishTime
	}

	var handle model.PayloadHandle
	if a.cfg.Pool != nil {
		pl := a.cfg.Pool.GetPayload(len(env.Payload))
		copy(pl.Bytes(), env.Payload)
		handle = pl
	} else {
		handle = rawPayload{b: env.Payload}
	}

	message := model.Message{
		Topic:       env.Topic,
		Payload:     handle,
		PublishTime: env.PublishTime,
		LogTime:     env.LogTime,
		Source:      model.SourceIdentity{WriterGUID: env.WriterGUID, SequenceNumber: env.SequenceNumber},
	}

	a.mu.Lock()
	targets := a.handlers
	a.mu.Unlock()

	// Each handler owns one reference to the payload for as long as it holds
	// the Message: copies share the bytes by incrementing a reference count.
	// The handle already carries refcount 1, which covers the first target;
	// every additional target needs its own Retain, and a target-less
	// message must release its one reference immediately instead of
	// leaking it.
	pl, pooled := handle.(*payload.Payload)
	if len(targets) == 0 {
		if pooled {
			_ = pl.Release()
		}
		return
	}
	if pooled {
		for i := 1; i < len(targets); i++ {
			pl.Retain()
		}
	}
	for _, h := range targets {
		_ = h.AddData(env.Topic, message)
	}
}

func (a *Adapter) onType(msg pubsub.Message) {
	a.inFlight.Add(1)
	defer a.inFlight.Done()

	dt, err := model.DecodeDynamicType(msg.Data)
	if err != nil {
		return
	}
	a.mu.Lock()
	targets := a.handlers
	a.mu.Unlock()
	for _, h := range targets {
		_ = h.AddSchema(dt)
	}
}

func (a *Adapter) accept(topicName string) bool {
	if len(a.cfg.Allow) > 0 {
		matched := false
		for _, pat := range a.cfg.Allow {
			if ok, _ := path.Match(pat, topicName); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pat := range a.cfg.Deny {
		if ok, _ := path.Match(pat, topicName); ok {
			return false
		}
	}
	return true
}

// rawPayload is a model.PayloadHandle for ingress paths run without a
// payload pool (e.g. tests).
type rawPayload struct{ b []byte }

func (p rawPayload) Bytes() []byte { return p.b }
func (p rawPayload) Len() int      { return len(p.b) }
