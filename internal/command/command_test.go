package command

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/eprosima/ddsrecorder/internal/pubsub"
)

type fakeTransport struct {
	mu        sync.Mutex
	subs      map[string][]func(pubsub.Message)
	published []statusUpdate
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
	defer f.mu.Unlock()
	var su statusUpdate
	if err := json.Unmarshal(data, &su); err == nil {
		f.published = append(f.published, su)
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) send(subject string, payload []byte) {
	f.mu.Lock()
	handlers := append([]func(pubsub.Message){}, f.subs[subject]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(pubsub.Message{Subject: subject, Data: payload})
	}
}

func (f *fakeTransport) last() statusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

type fakeTarget struct {
	mu                               sync.Mutex
	startCalls, pauseCalls           int
	stopCalls, eventCalls            int
	lastFinal                        bool
	failNext                         error
}

func (t *fakeTarget) Start() error { t.mu.Lock(); defer t.mu.Unlock(); t.startCalls++; return t.takeErr() }
func (t *fakeTarget) Pause() error { t.mu.Lock(); defer t.mu.Unlock(); t.pauseCalls++; return t.takeErr() }
func (t *fakeTarget) Stop(final bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopCalls++
	t.lastFinal = final
	return t.takeErr()
}
func (t *fakeTarget) TriggerEvent() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eventCalls++
	return t.takeErr()
}

func (t *fakeTarget) takeErr() error {
	err := t.failNext
	t.failNext = nil
	return err
}

func send(transport *fakeTransport, subject, command, args string) {
	body, _ := json.Marshal(commandRequest{Command: command, Args: args})
	transport.send(subject, body)
}

func TestCommandStartPauseStopSequence(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	target := &fakeTarget{}
	ep := New(transport, target, "cmd", "status", StateStopped, nil)
	if err := ep.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	send(transport, "cmd", "start", "")
	if target.startCalls != 1 {
		t.Fatalf("expected Start called once, got %d", target.startCalls)
	}
	if got := transport.last(); got.Previous != StateStopped || got.Current != StateRunning {
		t.Fatalf("unexpected status %+v", got)
	}

	send(transport, "cmd", "pause", "")
	if got := transport.last(); got.Previous != StateRunning || got.Current != StatePaused {
		t.Fatalf("unexpected status %+v", got)
	}

	send(transport, "cmd", "stop", "")
	if target.stopCalls != 1 || target.lastFinal {
		t.Fatalf("expected non-final stop, got calls=%d final=%v", target.stopCalls, target.lastFinal)
	}
	if got := transport.last(); got.Current != StateStopped {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestCommandCloseIsFinalStop(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	target := &fakeTarget{}
	ep := New(transport, target, "cmd", "status", StateRunning, nil)
	if err := ep.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	send(transport, "cmd", "close", "")
	if target.stopCalls != 1 || !target.lastFinal {
		t.Fatalf("expected final stop, got calls=%d final=%v", target.stopCalls, target.lastFinal)
	}
	if got := transport.last(); got.Current != StateClosed {
		t.Fatalf("expected CLOSED status, got %+v", got)
	}
}

func TestCommandUnknownCommandRepliesError(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	target := &fakeTarget{}
	ep := New(transport, target, "cmd", "status", StateRunning, nil)
	if err := ep.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	send(transport, "cmd", "frobnicate", "")
	if target.startCalls+target.pauseCalls+target.stopCalls+target.eventCalls != 0 {
		t.Fatalf("unknown command must not reach the target")
	}
	got := transport.last()
	if got.Previous != StateRunning || got.Current != StateRunning || got.Info == "" {
		t.Fatalf("expected unchanged state with error info, got %+v", got)
	}
}

func TestCommandEventPassesThroughState(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	target := &fakeTarget{}
	ep := New(transport, target, "cmd", "status", StatePaused, nil)
	if err := ep.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	send(transport, "cmd", "event", "tag")
	if target.eventCalls != 1 {
		t.Fatalf("expected TriggerEvent called once, got %d", target.eventCalls)
	}
	if got := transport.last(); got.Previous != StatePaused || got.Current != StatePaused {
		t.Fatalf("event must not change state, got %+v", got)
	}
}

func TestCommandTargetErrorReportsInfoWithoutStateChange(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	target := &fakeTarget{failNext: errBoom{}}
	ep := New(transport, target, "cmd", "status", StateStopped, nil)
	if err := ep.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	send(transport, "cmd", "start", "")
	got := transport.last()
	if got.Previous != StateStopped || got.Current != StateStopped || got.Info == "" {
		t.Fatalf("expected failed start to leave state unchanged with error info, got %+v", got)
	}
}

func TestCommandReportAsyncPublishesDiskFull(t *testing.T) {
	t.Parallel()
	transport := newFakeTransport()
	target := &fakeTarget{}
	ep := New(transport, target, "cmd", "status", StateRunning, nil)
	ep.ReportAsync(StateRunning, StateStopped, "disk_full")
	got := transport.last()
	if got.Current != StateStopped || got.Info != "disk_full" {
		t.Fatalf("unexpected async status %+v", got)
	}
}

type fakeSub struct{}

func (fakeSub) Unsubscribe() error { return nil }

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
