package ingress

import (
	"sync"
	"testing"
	"time"

	"github.com/eprosima/ddsrecorder/internal/model"
	"github.com/eprosima/ddsrecorder/internal/payload"
	"github.com/eprosima/ddsrecorder/internal/pubsub"
)

// fakeTransport is an in-memory pubsub.Transport double: Publish delivers
// synchronously to every Subscribe callback registered for the same
// subject, preserving call order (mirrors NATS's per-subscription FIFO
// delivery closely enough for ordering tests).
type fakeTransport struct {
	mu   sync.Mutex
	subs map[string][]func(pubsub.Message)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string][]func(pubsub.Message))}
}

func (f *fakeTransport) Subscribe(subject string, handler func(pubsub.Message)) (pubsub.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[subject] = append(f.subs[subject], handler)
	return fakeSub{}, nil
}

func (f *fakeTransport) Publish(subject string, data []byte) error {
	f.mu.Lock()
	handlers := append([]func(pubsub.Message){}, f.subs[subject]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(pubsub.Message{Subject: subject, Data: data})
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

type fakeSub struct{}

func (fakeSub) Unsubscribe() error { return nil }

type recordingHandler struct {
	mu     sync.Mutex
	data   []model.Message
	schema []model.DynamicType
}

func (h *recordingHandler) AddData(_ model.Topic, msg model.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = append(h.data, msg)
	return nil
}

func (h *recordingHandler) AddSchema(dt model.DynamicType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.schema = append(h.schema, dt)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.data)
}

func TestIngressFansOutToAllHandlers(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	a := New(transport, Config{DataSubject: "data", DiscoverySubject: "types"})
	h1, h2 := &recordingHandler{}, &recordingHandler{}
	a.Attach(h1)
	a.Attach(h2)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	env := envelope{Topic: model.Topic{Name: "/t", TypeName: "pkg/T"}, Payload: []byte("hi"), PublishTime: time.Unix(1, 0)}
	if err := transport.Publish("data", encodeEnvelope(env)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if h1.count() != 1 || h2.count() != 1 {
		t.Fatalf("expected both handlers to receive the message, got %d and %d", h1.count(), h2.count())
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestIngressFiltersByAllowDeny(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	a := New(transport, Config{DataSubject: "data", DiscoverySubject: "types", Allow: []string{"/allowed/*"}, Deny: []string{"/allowed/secret"}})
	h := &recordingHandler{}
	a.Attach(h)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, topic := range []string{"/other", "/allowed/a", "/allowed/secret"} {
		env := envelope{Topic: model.Topic{Name: topic, TypeName: "pkg/T"}, Payload: []byte("x"), PublishTime: time.Unix(1, 0)}
		if err := transport.Publish("data", encodeEnvelope(env)); err != nil {
			t.Fatalf("publish %s: %v", topic, err)
		}
	}
	if got := h.count(); got != 1 {
		t.Fatalf("expected exactly 1 accepted message (/allowed/a), got %d", got)
	}
	if h.data[0].Topic.Name != "/allowed/a" {
		t.Fatalf("expected /allowed/a, got %s", h.data[0].Topic.Name)
	}
}

func TestIngressDiscoveryDecodesDynamicType(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	a := New(transport, Config{DataSubject: "data", DiscoverySubject: "types"})
	h := &recordingHandler{}
	a.Attach(h)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	dt := model.DynamicType{TypeName: "pkg/T", TypeID: []byte{1}, TypeObject: []byte("obj")}
	if err := transport.Publish("types", model.EncodeDynamicType(dt)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.schema) != 1 || h.schema[0].TypeName != "pkg/T" {
		t.Fatalf("expected discovered type to reach handler, got %+v", h.schema)
	}
}

func TestIngressStopDrainsInFlight(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	a := New(transport, Config{DataSubject: "data", DiscoverySubject: "types"})
	released := make(chan struct{})
	h := &blockingHandler{release: released}
	a.Attach(h)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	env := envelope{Topic: model.Topic{Name: "/t", TypeName: "pkg/T"}, Payload: []byte("x"), PublishTime: time.Unix(1, 0)}
	go func() { _ = transport.Publish("data", encodeEnvelope(env)) }()

	time.Sleep(10 * time.Millisecond)
	stopDone := make(chan struct{})
	go func() {
		_ = a.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatalf("Stop returned before in-flight handler finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(released)
	<-stopDone
}

type blockingHandler struct {
	release chan struct{}
}

func (h *blockingHandler) AddData(model.Topic, model.Message) error {
	<-h.release
	return nil
}

func (h *blockingHandler) AddSchema(model.DynamicType) error { return nil }

// capturingHandler records the *payload.Payload it was handed so the test
// can drive Retain/Release bookkeeping from outside the adapter.
type capturingHandler struct {
	mu  sync.Mutex
	got *payload.Payload
}

func (h *capturingHandler) AddData(_ model.Topic, msg model.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = msg.Payload.(*payload.Payload)
	return nil
}

func (h *capturingHandler) AddSchema(model.DynamicType) error { return nil }

func TestIngressRetainsPayloadPerExtraHandler(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	pool := payload.New()
	a := New(transport, Config{DataSubject: "data", DiscoverySubject: "types", Pool: pool})
	h1, h2 := &capturingHandler{}, &capturingHandler{}
	a.Attach(h1)
	a.Attach(h2)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	env := envelope{Topic: model.Topic{Name: "/t", TypeName: "pkg/T"}, Payload: []byte("hello"), PublishTime: time.Unix(1, 0)}
	if err := transport.Publish("data", encodeEnvelope(env)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Both handlers were handed the same underlying payload object, one
	// shared retain count apart.
	if h1.got != h2.got {
		t.Fatalf("expected both handlers to receive the same payload object")
	}
	raw := h1.got.Bytes()
	if string(raw) != "hello" {
		t.Fatalf("expected payload bytes %q, got %q", "hello", raw)
	}

	if err := h1.got.Release(); err != nil {
		t.Fatalf("release 1: %v", err)
	}
	if string(raw) != "hello" {
		t.Fatalf("expected buffer untouched while the second handler still holds a reference, got %q", raw)
	}

	if err := h2.got.Release(); err != nil {
		t.Fatalf("release 2: %v", err)
	}
	for i, b := range raw {
		if b != 0 {
			t.Fatalf("expected buffer cleared once the last reference released, byte %d = %d", i, b)
		}
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
