package session

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eprosima/ddsrecorder/internal/command"
	"github.com/eprosima/ddsrecorder/internal/config"
	"github.com/eprosima/ddsrecorder/internal/model"
	"github.com/eprosima/ddsrecorder/internal/pubsub"
)

// fakeTransport is an in-memory pubsub.Transport that delivers Publish calls
// synchronously to every registered subject handler.
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

// fakeDeserializer satisfies both model.Deserializer and the relational
// writer's PayloadToJSON contract with trivial, deterministic behavior.
type fakeDeserializer struct {
	mu    sync.Mutex
	types map[string]model.DynamicType
}

func newFakeDeserializer() *fakeDeserializer {
	return &fakeDeserializer{types: make(map[string]model.DynamicType)}
}

func (d *fakeDeserializer) register(dt model.DynamicType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.types[dt.TypeName] = dt
}

func (d *fakeDeserializer) GetType(typeName string) (model.DynamicType, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dt, ok := d.types[typeName]
	return dt, ok
}

func (d *fakeDeserializer) SerializeType(dt model.DynamicType) (model.EncodingTag, string, error) {
	return model.EncodingIDL, "struct " + dt.TypeName + " {}", nil
}

func (d *fakeDeserializer) DeserializeKeyJSON(typeName string, payload []byte) (string, string, error) {
	return "instance-1", `{"id":1}`, nil
}

func (d *fakeDeserializer) PayloadToJSON(typeName string, payload []byte) (string, error) {
	return `{"raw":"` + string(payload) + `"}`, nil
}

func encodeEnvelope(topicName, typeName string, payload []byte, publishTime time.Time) []byte {
	buf := make([]byte, 0, 64+len(payload))
	appendString := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, s...)
	}
	appendString(topicName)
	appendString(typeName)
	appendString("writer-1")
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], 1)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(publishTime.UnixNano()))
	buf = append(buf, u64[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	return buf
}

func newTestConfig(t *testing.T, format string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Format = format
	cfg.Output.Dir = t.TempDir()
	cfg.Output.BaseName = "test"
	cfg.Handler.BufferSize = 1
	cfg.Handler.InitialState = "RUNNING"
	return cfg
}

func TestSessionRecordsAMessageEndToEnd(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t, "binarylog")
	transport := newFakeTransport()
	deser := newFakeDeserializer()

	s, err := New(cfg, transport, deser, nil, nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}

	dt := model.DynamicType{TypeName: "pkg/T", TypeID: []byte{1}, TypeObject: []byte("obj")}
	deser.register(dt)
	if err := transport.Publish(cfg.Ingress.DiscoverySubject, model.EncodeDynamicType(dt)); err != nil {
		t.Fatalf("publish schema: %v", err)
	}

	env := encodeEnvelope("/topic", "pkg/T", []byte("hello"), time.Unix(100, 0))
	if err := transport.Publish(cfg.Ingress.DataSubject, env); err != nil {
		t.Fatalf("publish data: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop session: %v", err)
	}

	entries, err := os.ReadDir(cfg.Output.Dir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one closed output file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".mcap" {
		t.Fatalf("expected .mcap extension, got %s", entries[0].Name())
	}
	info, err := entries[0].Info()
	if err != nil {
		t.Fatalf("stat output file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected non-empty output file")
	}
}

func TestSessionCommandEndpointDrivesHandlerState(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t, "relational")
	cfg.Handler.InitialState = "PAUSED"
	transport := newFakeTransport()
	deser := newFakeDeserializer()

	s, err := New(cfg, transport, deser, nil, nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}
	defer s.Stop()

	var lastStatus struct {
		Previous, Current, Info string
	}
	var mu sync.Mutex
	_, err = transport.Subscribe(cfg.Command.StatusSubject, func(msg pubsub.Message) {
		var su struct{ Previous, Current, Info string }
		if err := json.Unmarshal(msg.Data, &su); err == nil {
			mu.Lock()
			lastStatus = su
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("subscribe status: %v", err)
	}

	body, _ := json.Marshal(struct{ Command, Args string }{Command: "start"})
	if err := transport.Publish(cfg.Command.CommandSubject, body); err != nil {
		t.Fatalf("publish command: %v", err)
	}

	mu.Lock()
	got := lastStatus
	mu.Unlock()
	if got.Previous != "PAUSED" || got.Current != command.StateRunning {
		t.Fatalf("expected PAUSED->RUNNING transition, got %+v", got)
	}
}
