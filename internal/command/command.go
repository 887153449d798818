// Package command implements the remote command endpoint: it subscribes
// to a command topic, drives one recording handler through its public
// control methods, and publishes state transitions and asynchronous errors
// to a status topic. Commands are executed one at a time.
package command

import (
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eprosima/ddsrecorder/internal/pubsub"
)

// Target is the subset of *handler.Handler the endpoint drives. An interface
// here keeps this package independent of internal/handler.
type Target interface {
	Start() error
	Pause() error
	Stop(final bool) error
	TriggerEvent() error
}

// State names published on the status topic. CLOSED is terminal and is
// never produced by a Target; it is published by Close and by the "close"
// command.
const (
	StateRunning = "RUNNING"
	StatePaused  = "PAUSED"
	StateStopped = "STOPPED"
	StateClosed  = "CLOSED"
)

// commandRequest is the decoded shape of a command-topic message.
type commandRequest struct {
	Command string `json:"command"`
	Args    string `json:"args"`
}

// statusUpdate is the encoded shape of a status-topic message.
type statusUpdate struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
	Info     string `json:"info"`
}

// Endpoint is the Remote command endpoint for one recording session.
type Endpoint struct {
	transport     pubsub.Transport
	commandSubj   string
	statusSubj    string
	log           *zap.Logger

	mu      sync.Mutex // serializes command execution: at most one at a time
	target  Target
	current string
	sub     pubsub.Subscription
}

// New constructs an Endpoint bound to target, listening on commandSubject
// and publishing to statusSubject. initial is the Target's initial state
// name, used as the "previous" value of the first reported transition.
func New(transport pubsub.Transport, target Target, commandSubject, statusSubject string, initial string, log *zap.Logger) *Endpoint {
	if log == nil {
		log = zap.NewNop()
	}
	return &Endpoint{
		transport:   transport,
		commandSubj: commandSubject,
		statusSubj:  statusSubject,
		target:      target,
		current:     initial,
		log:         log,
	}
}

// Start subscribes to the command topic.
func (e *Endpoint) Start() error {
	sub, err := e.transport.Subscribe(e.commandSubj, e.onCommand)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	return nil
}

// Stop unsubscribes from the command topic. It does not touch the Target;
// callers drive the final stop(final=true) themselves and then call Close.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Close publishes the terminal CLOSED status. Call after the Target has
// been stopped for good.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishLocked(e.current, StateClosed, "")
	e.current = StateClosed
}

// ReportAsync publishes an asynchronous status transition not triggered by
// an inbound command, such as a disk-full shutdown observed by a Target's
// status callback.
func (e *Endpoint) ReportAsync(previous, current, info string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishLocked(previous, current, info)
	e.current = current
}

func (e *Endpoint) onCommand(msg pubsub.Message) {
	var req commandRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		e.mu.Lock()
		e.publishLocked(e.current, e.current, "malformed command")
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.current
	var err error
	var next string
	switch strings.ToLower(strings.TrimSpace(req.Command)) {
	case "start":
		err = e.target.Start()
		next = StateRunning
	case "pause":
		err = e.target.Pause()
		next = StatePaused
	case "stop":
		err = e.target.Stop(false)
		next = StateStopped
	case "event":
		err = e.target.TriggerEvent()
		next = previous
	case "close":
		err = e.target.Stop(true)
		next = StateClosed
	default:
		e.log.Warn("unknown command", zap.String("command", req.Command))
		e.publishLocked(previous, previous, "unknown command: "+req.Command)
		return
	}

	if err != nil {
		e.log.Error("command failed", zap.String("command", req.Command), zap.Error(err))
		e.publishLocked(previous, previous, err.Error())
		return
	}
	e.current = next
	e.publishLocked(previous, next, "")
}

// publishLocked marshals and publishes a status update. Called with mu
// held; errors are logged, not returned, since the status topic is
// best-effort telemetry.
func (e *Endpoint) publishLocked(previous, current, info string) {
	body, err := json.Marshal(statusUpdate{Previous: previous, Current: current, Info: info})
	if err != nil {
		e.log.Error("encode status update", zap.Error(err))
		return
	}
	if err := e.transport.Publish(e.statusSubj, body); err != nil {
		e.log.Error("publish status update", zap.Error(err))
	}
}
