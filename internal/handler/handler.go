// Package handler implements the recording handler: the state machine,
// sample buffer, pending-sample queue, and schema/channel registry that sit
// between the ingress adapter and a format writer for one recording
// session. Fan-out across multiple sessions lives in internal/ingress
// instead, one manager with many handlers underneath it.
package handler

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	rerrors "github.com/eprosima/ddsrecorder/internal/errors"
	"github.com/eprosima/ddsrecorder/internal/model"
	"github.com/eprosima/ddsrecorder/internal/writer"
)

// State is one of the Recording handler's three operating states.
type State int

const (
	StateRunning State = iota
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config configures one Handler.
type Config struct {
	InitialState      State
	BufferSize        int
	EventWindow       time.Duration
	CleanupPeriod     time.Duration
	MaxPendingSamples int
	OnlyWithSchema    bool
	PendingTimeout    time.Duration
	RecordTypes       bool
	// Relational enables instance-key computation for keyed types; leave
	// false when the backing writer is the binary-log format.
	Relational bool
}

// StatusFunc is invoked on every state transition and on asynchronous
// errors, carrying the same previous/current/info fields the status topic
// publishes.
type StatusFunc func(previous, current, info string)

type pendingEntry struct {
	topic      model.Topic
	msg        model.Message
	enqueuedAt time.Time
}

// releasable is the subset of *payload.Payload the handler needs to return a
// message's buffer once it has been durably written or dropped. Expressed
// locally rather than on model.PayloadHandle so this package can release
// without importing internal/payload (model.Message's payload may be a
// non-pooled test double that does not implement it).
type releasable interface {
	Release() error
}

func releaseMessage(msg model.Message) {
	if r, ok := msg.Payload.(releasable); ok {
		_ = r.Release()
	}
}

// Handler is the Recording handler for one recording session.
type Handler struct {
	cfg    Config
	w      writer.Writer
	deser  model.Deserializer
	status StatusFunc
	log    *zap.Logger

	keyCache *ttlcache.Cache[string, string]

	mu          sync.Mutex
	state       State
	buffer      []model.Message
	eventBuffer []model.Message
	pending     map[string][]pendingEntry
	schemas     map[string]model.Schema
	channels    map[string]uint16
	attachment  []model.DynamicType
	disabled    bool

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// New constructs a Handler bound to w. deser may be nil; AddSchema then
// rejects every type, so no schema is registered (cmd/record runs this
// way). status may
// be nil to discard transition notifications. log may be nil to discard the
// warnings logged on schema-write and deserialization failures.
func New(cfg Config, w writer.Writer, deser model.Deserializer, status StatusFunc, log *zap.Logger) *Handler {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if status == nil {
		status = func(string, string, string) {}
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		cfg:      cfg,
		w:        w,
		deser:    deser,
		status:   status,
		log:      log,
		pending:  make(map[string][]pendingEntry),
		schemas:  make(map[string]model.Schema),
		channels: make(map[string]uint16),
		state:    cfg.InitialState,
	}
	if cfg.Relational {
		h.keyCache = ttlcache.New[string, string](ttlcache.WithTTL[string, string](30 * time.Minute))
		go h.keyCache.Start()
	}
	w.OnDiskFull(h.onDiskFull)
	return h
}

// State reports the current state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start drives Stopped/Paused -> Running.
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensureCleanupLocked()
	switch h.state {
	case StateRunning:
		return nil
	case StateStopped:
		if err := h.openNewFileLocked(); err != nil {
			return err
		}
		h.transitionLocked(StateRunning, "new file opened")
	case StatePaused:
		if err := h.flushLocked(&h.eventBuffer); err != nil {
			return err
		}
		h.transitionLocked(StateRunning, "event buffer flushed")
	}
	return nil
}

// Pause drives Running/Stopped -> Paused.
func (h *Handler) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensureCleanupLocked()
	switch h.state {
	case StatePaused:
		return nil
	case StateRunning:
		for _, msg := range h.buffer {
			releaseMessage(msg)
		}
		h.buffer = h.buffer[:0]
		h.transitionLocked(StatePaused, "buffer cleared to event window")
	case StateStopped:
		if err := h.openNewFileLocked(); err != nil {
			return err
		}
		h.transitionLocked(StatePaused, "new file opened")
	}
	return nil
}

// Stop drives Running/Paused -> Stopped. final=true also disables the
// writer and flushes the type attachment; final=false preserves the file
// for a later Start/Pause to resume.
func (h *Handler) Stop(final bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateStopped {
		return nil
	}
	switch h.state {
	case StateRunning:
		if err := h.flushLocked(&h.buffer); err != nil {
			return err
		}
	case StatePaused:
		if h.cfg.OnlyWithSchema {
			for _, msg := range h.eventBuffer {
				releaseMessage(msg)
			}
			h.eventBuffer = h.eventBuffer[:0]
			h.discardPendingLocked()
		} else {
			if err := h.flushLocked(&h.eventBuffer); err != nil {
				return err
			}
			h.flushPendingUnknownLocked()
		}
	}
	h.quiesceCleanupLocked()
	if final {
		if h.cfg.RecordTypes {
			if err := h.flushAttachmentLocked(); err != nil {
				return err
			}
		}
		if err := h.w.Disable(); err != nil {
			return err
		}
		h.disabled = true
	}
	h.transitionLocked(StateStopped, "")
	return nil
}

// TriggerEvent flushes the current event-window buffer immediately; a
// no-op outside Paused.
func (h *Handler) TriggerEvent() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StatePaused {
		return nil
	}
	return h.flushLocked(&h.eventBuffer)
}

// AddData always accepts; behavior depends on state.
func (h *Handler) AddData(topic model.Topic, msg model.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disabled || h.state == StateStopped {
		releaseMessage(msg)
		return nil
	}
	msg.Topic = topic
	if h.cfg.Relational {
		h.computeKeyLocked(&msg)
	}

	channelID, ok := h.resolveChannelLocked(topic)
	if !ok {
		h.enqueuePendingLocked(topic, msg)
		return nil
	}

	_ = channelID // resolved again by topic name at flush time, see flushLocked
	switch h.state {
	case StateRunning:
		h.buffer = append(h.buffer, msg)
		if len(h.buffer) >= h.cfg.BufferSize {
			return h.flushLocked(&h.buffer)
		}
	case StatePaused:
		h.eventBuffer = append(h.eventBuffer, msg)
	}
	return nil
}

// AddSchema always accepts.
func (h *Handler) AddSchema(dt model.DynamicType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.schemas[dt.TypeName]; ok {
		return nil
	}
	if h.deser == nil {
		return rerrors.NewPreconditionError("handler.add_schema", nil)
	}
	encoding, text, err := h.deser.SerializeType(dt)
	if err != nil {
		return rerrors.NewDeserializationError("handler.add_schema.serialize", err)
	}
	schema := model.Schema{Name: dt.TypeName, Encoding: encoding, Text: text}
	id, err := h.w.WriteSchema(schema)
	if err != nil {
		h.log.Error("schema write failed, subsequent messages of this type will pend",
			zap.String("type", dt.TypeName), zap.Error(err))
		return err
	}
	schema.ID = id
	h.schemas[dt.TypeName] = schema

	if h.cfg.RecordTypes {
		h.attachment = append(h.attachment, dt)
		if err := h.flushAttachmentLocked(); err != nil {
			return err
		}
	}

	h.drainPendingLocked(dt.TypeName)
	return nil
}

// resolveChannelLocked returns the cached channel ID for topic, creating it
// if the topic's type already has a schema. ok is false when the type has
// no schema yet, in which case the caller must enqueue the message instead.
func (h *Handler) resolveChannelLocked(topic model.Topic) (uint16, bool) {
	if id, ok := h.channels[topic.Name]; ok {
		return id, true
	}
	schema, ok := h.schemas[topic.TypeName]
	if !ok {
		return 0, false
	}
	id, err := h.w.WriteChannel(model.Channel{
		TopicName:       topic.Name,
		MessageEncoding: "cdr",
		SchemaID:        schema.ID,
	})
	if err != nil {
		h.log.Error("channel write failed", zap.String("topic", topic.Name), zap.Error(err))
		return 0, false
	}
	h.channels[topic.Name] = id
	if err := h.w.WriteTopic(topic); err != nil {
		h.log.Warn("topic write failed", zap.String("topic", topic.Name), zap.Error(err))
	}
	return id, true
}

// enqueuePendingLocked buffers msg until its type's schema arrives. A
// max_pending_samples of 0 means no buffering at all: the message is
// routed straight through the unknown-schema-channel-or-drop path instead
// of being queued.
func (h *Handler) enqueuePendingLocked(topic model.Topic, msg model.Message) {
	if h.cfg.MaxPendingSamples == 0 {
		if h.cfg.OnlyWithSchema {
			releaseMessage(msg)
			return
		}
		h.writeUnknownLocked(msg)
		return
	}
	q := h.pending[topic.TypeName]
	q = append(q, pendingEntry{topic: topic, msg: msg, enqueuedAt: time.Now()})
	if len(q) > h.cfg.MaxPendingSamples {
		evicted := q[:len(q)-h.cfg.MaxPendingSamples]
		for _, e := range evicted {
			releaseMessage(e.msg)
		}
		q = q[len(q)-h.cfg.MaxPendingSamples:]
	}
	h.pending[topic.TypeName] = q
}

// drainPendingLocked moves every pending entry for typeName into the active
// buffer, in original order, ahead of any subsequent live message (callers
// hold h.mu throughout add_schema so no new entry can race in between).
func (h *Handler) drainPendingLocked(typeName string) {
	entries := h.pending[typeName]
	delete(h.pending, typeName)
	for _, e := range entries {
		channelID, ok := h.resolveChannelLocked(e.topic)
		if !ok {
			h.enqueuePendingLocked(e.topic, e.msg)
			continue
		}
		_ = channelID
		switch h.state {
		case StateRunning:
			h.buffer = append(h.buffer, e.msg)
		case StatePaused:
			h.eventBuffer = append(h.eventBuffer, e.msg)
		}
	}
	if h.state == StateRunning && len(h.buffer) >= h.cfg.BufferSize {
		_ = h.flushLocked(&h.buffer)
	}
}

func (h *Handler) discardPendingLocked() {
	for _, entries := range h.pending {
		for _, e := range entries {
			releaseMessage(e.msg)
		}
	}
	h.pending = make(map[string][]pendingEntry)
}

const unknownSchemaTopic = "__unknown_schema__"

// unknownChannelLocked returns the placeholder channel ID used for messages
// whose schema never arrived, creating it on first use.
func (h *Handler) unknownChannelLocked() (uint16, bool) {
	if id, ok := h.channels[unknownSchemaTopic]; ok {
		return id, true
	}
	id, err := h.w.WriteChannel(model.Channel{
		TopicName:       unknownSchemaTopic,
		MessageEncoding: "raw",
		SchemaID:        model.UnknownSchemaID,
	})
	if err != nil {
		return 0, false
	}
	h.channels[unknownSchemaTopic] = id
	return id, true
}

// writeUnknownLocked writes a single message to the unknown-schema
// placeholder channel and releases its payload. Shared by the
// max_pending_samples==0 path and the pending-timeout sweep, both of which
// write a message outside of the normal buffer/flush cycle.
func (h *Handler) writeUnknownLocked(msg model.Message) {
	defer releaseMessage(msg)
	id, ok := h.unknownChannelLocked()
	if !ok {
		return
	}
	_ = h.w.WriteMessage(id, msg)
}

// flushPendingUnknownLocked writes every still-pending sample to the writer
// under the unknown-schema placeholder channel, used when only_with_schema
// is false and the handler is stopping.
func (h *Handler) flushPendingUnknownLocked() {
	if len(h.pending) == 0 {
		return
	}
	id, ok := h.unknownChannelLocked()
	for _, entries := range h.pending {
		for _, e := range entries {
			if ok {
				_ = h.w.WriteMessage(id, e.msg)
			}
			releaseMessage(e.msg)
		}
	}
	h.pending = make(map[string][]pendingEntry)
}

// sweepPendingTimeout flushes or drops pending entries older than
// PendingTimeout. There are two triggers for disposing of pending samples:
// this configured timeout, and the transition to Stopped (the latter
// handled by flushPendingUnknownLocked/discardPendingLocked from Stop).
func (h *Handler) sweepPendingTimeout() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.PendingTimeout <= 0 || len(h.pending) == 0 {
		return
	}
	cutoff := time.Now().Add(-h.cfg.PendingTimeout)
	for typeName, entries := range h.pending {
		kept := entries[:0]
		for _, e := range entries {
			if e.enqueuedAt.After(cutoff) {
				kept = append(kept, e)
				continue
			}
			if h.cfg.OnlyWithSchema {
				releaseMessage(e.msg)
			} else {
				h.writeUnknownLocked(e.msg)
			}
		}
		if len(kept) == 0 {
			delete(h.pending, typeName)
		} else {
			h.pending[typeName] = kept
		}
	}
}

// flushLocked atomically moves *buf into the writer in order and clears it,
// releasing each message's payload once the writer is done with it.
func (h *Handler) flushLocked(buf *[]model.Message) error {
	msgs := *buf
	*buf = (*buf)[:0]
	for i, msg := range msgs {
		id, ok := h.channels[msg.Topic.Name]
		if !ok {
			releaseMessage(msg)
			continue
		}
		if err := h.w.WriteMessage(id, msg); err != nil {
			releaseMessage(msg)
			if rerrors.IsFullDisk(err) {
				for _, rest := range msgs[i+1:] {
					releaseMessage(rest)
				}
				return err
			}
			h.log.Error("message write failed, dropping message", zap.String("topic", msg.Topic.Name), zap.Error(err))
			continue
		}
		releaseMessage(msg)
	}
	return nil
}

func (h *Handler) flushAttachmentLocked() error {
	payload := model.EncodeTypeAttachment(h.attachment)
	return h.w.UpdateTypeAttachment(payload)
}

// computeKeyLocked fills msg.InstanceHandle/Key for keyed types, memoizing
// the deserialization per instance handle. Deserialization failures yield
// an empty key and the message is still written.
func (h *Handler) computeKeyLocked(msg *model.Message) {
	if h.deser == nil {
		return
	}
	handle, keyJSON, err := h.deser.DeserializeKeyJSON(msg.Topic.TypeName, msg.Payload.Bytes())
	if err != nil {
		h.log.Warn("key deserialization failed, defaulting to empty key",
			zap.String("type", msg.Topic.TypeName), zap.Error(err))
		return
	}
	if handle == "" {
		return
	}
	msg.InstanceHandle = handle
	if h.keyCache != nil {
		if item := h.keyCache.Get(handle); item != nil {
			msg.Key = item.Value()
			return
		}
		h.keyCache.Set(handle, keyJSON, ttlcache.DefaultTTL)
	}
	msg.Key = keyJSON
}

// openNewFileLocked enables the writer (a no-op that keeps the current file
// when the writer is still enabled, as after a non-final stop) and clears
// the handler's per-file
// channel cache, since channel IDs are meaningless across a handler-driven
// new-file transition. This differs from a writer-internal FullFile
// rotation, which the writer restates transparently without invalidating
// this cache.
func (h *Handler) openNewFileLocked() error {
	if err := h.w.Enable(); err != nil {
		return err
	}
	h.channels = make(map[string]uint16)
	h.disabled = false
	return nil
}

func (h *Handler) transitionLocked(next State, info string) {
	prev := h.state
	h.state = next
	h.status(prev.String(), next.String(), info)
}

func (h *Handler) onDiskFull(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disabled = true
	prev := h.state
	h.state = StateStopped
	h.quiesceCleanupLocked()
	h.status(prev.String(), StateStopped.String(), "disk_full: "+err.Error())
}

// ensureCleanupLocked starts the paused-state eviction goroutine if not
// already running.
func (h *Handler) ensureCleanupLocked() {
	if h.cfg.CleanupPeriod <= 0 || h.cleanupStop != nil {
		return
	}
	h.cleanupStop = make(chan struct{})
	h.cleanupDone = make(chan struct{})
	stop := h.cleanupStop
	done := h.cleanupDone
	go h.cleanupLoop(stop, done)
}

func (h *Handler) quiesceCleanupLocked() {
	if h.cleanupStop == nil {
		return
	}
	close(h.cleanupStop)
	h.mu.Unlock()
	<-h.cleanupDone
	h.mu.Lock()
	h.cleanupStop = nil
	h.cleanupDone = nil
}

func (h *Handler) cleanupLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.evictEventWindow()
			h.sweepPendingTimeout()
		}
	}
}

// evictEventWindow drops event-buffer entries older than event_window,
// mutually exclusive with TriggerEvent's flush via h.mu.
func (h *Handler) evictEventWindow() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StatePaused || h.cfg.EventWindow <= 0 {
		return
	}
	cutoff := time.Now().Add(-h.cfg.EventWindow)
	kept := h.eventBuffer[:0]
	for _, msg := range h.eventBuffer {
		if msg.LogTime.After(cutoff) {
			kept = append(kept, msg)
		} else {
			releaseMessage(msg)
		}
	}
	h.eventBuffer = kept
}

// Close releases background resources; call once the handler will no
// longer receive commands (after a final Stop).
func (h *Handler) Close() {
	h.mu.Lock()
	stop := h.cleanupStop
	h.mu.Unlock()
	if stop != nil {
		h.quiesceCleanupLockedExternal()
	}
	if h.keyCache != nil {
		h.keyCache.Stop()
	}
}

func (h *Handler) quiesceCleanupLockedExternal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.quiesceCleanupLocked()
}
