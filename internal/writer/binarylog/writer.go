package binarylog

import (
	"fmt"
	"os"
	"sync"

	"github.com/eprosima/ddsrecorder/internal/buildinfo"
	rerrors "github.com/eprosima/ddsrecorder/internal/errors"
	"github.com/eprosima/ddsrecorder/internal/model"
	"github.com/eprosima/ddsrecorder/internal/sizetracker"
	"github.com/eprosima/ddsrecorder/internal/tracker"
	"github.com/eprosima/ddsrecorder/internal/writer"
)

// Config configures a Writer beyond what the tracker.Config already covers.
type Config struct {
	// RecordTypes mirrors the handler's record_types option; when false the
	// writer still accepts UpdateTypeAttachment calls but typically
	// receives an empty payload.
	RecordTypes bool
	// ROS2Profile selects the profile flag stamped into the preamble and
	// metadata block.
	ROS2Profile bool
}

// knownSchema/knownChannel remember a record across file rotations so every
// file the writer produces restates its own schemas and channels and is
// independently replayable.
type knownSchema struct {
	name     string
	encoding model.EncodingTag
	text     string
}

type knownChannel struct {
	topicName       string
	messageEncoding string
	schemaID        uint16
	metadata        map[string]string
}

// Writer implements writer.Writer for the chunked binary-log container.
// Single-threaded internally: callers (the recording handler) serialize
// their own access.
type Writer struct {
	mu sync.Mutex

	tracker *tracker.Tracker
	size    *sizetracker.Tracker
	cfg     Config

	f            *os.File
	bytesWritten uint64
	enabled      bool

	// knownSchemaOrder/knownChannelOrder hold every name ever seen by this
	// writer, in first-seen order across the whole process lifetime. They
	// drive eager restatement into each newly opened file; they are never
	// reset.
	knownSchemaOrder  []string
	schemas           map[string]knownSchema
	knownChannelOrder []string
	channels          map[string]knownChannel

	// schemaOrder/channelOrder hold only the names emitted into the
	// currently open file, in that file's own first-seen order. Reset to
	// nil on every openFileLocked; IDs are 1-based positions into these.
	schemaOrder  []string
	channelOrder []string

	attachment []byte
	onDiskFull func(error)
}

var _ writer.Writer = (*Writer)(nil)

// New creates a binary-log Writer that opens files through tr and bounds
// its running size via a Size tracker configured with maxFileSize (0 means
// unbounded, a single ever-growing file).
func New(tr *tracker.Tracker, maxFileSize uint64, cfg Config) *Writer {
	return &Writer{
		tracker: tr,
		size:    sizetracker.New(maxFileSize),
		cfg:     cfg,
		schemas: make(map[string]knownSchema),
		channels: make(map[string]knownChannel),
	}
}

// OnDiskFull registers the callback invoked when rotation cannot obtain a
// replacement file.
func (w *Writer) OnDiskFull(cb func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDiskFull = cb
}

// Enable opens a new file and writes its preamble. If the writer already
// knows about schemas/channels from a prior file in this process lifetime
// (one closed by Disable or by rotation), they are immediately
// restated so the new file is self-describing on its own.
func (w *Writer) Enable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enabled {
		return nil
	}
	if err := w.openFileLocked(w.minFileSizeLocked(0)); err != nil {
		return err
	}
	w.enabled = true
	return nil
}

// Disable flushes the attachment, metadata, and a summary restatement of
// known schemas/channels, then closes the file. Safe to call repeatedly.
func (w *Writer) Disable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled {
		return nil
	}
	if err := w.closeFileLocked(); err != nil {
		return err
	}
	w.enabled = false
	return nil
}

// WriteTopic is a no-op for the binary-log format: topic identity is
// implied by a channel's topic_name field, and there is no separate Topics
// section in this container (unlike the relational format's Topics table).
func (w *Writer) WriteTopic(model.Topic) error { return nil }

// WriteSchema registers and emits a schema record. Re-registering a schema
// already known by name is idempotent: the existing ID is returned and
// nothing is re-emitted.
func (w *Writer) WriteSchema(s model.Schema) (uint16, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.schemas[s.Name]; ok {
		return w.schemaIDLocked(s.Name), nil
	}
	w.knownSchemaOrder = append(w.knownSchemaOrder, s.Name)
	w.schemas[s.Name] = knownSchema{name: s.Name, encoding: s.Encoding, text: s.Text}
	if !w.enabled {
		return w.schemaIDLocked(s.Name), nil
	}
	return w.emitNewSchemaLocked(s.Name)
}

// emitNewSchemaLocked reserves and emits a schema that was just registered
// into the current file. A FullFile condition rotates first; the rotation's
// restatement already covers this schema (it was added to knownSchemaOrder
// before the reserve was attempted), so no retry-emit is needed afterward.
func (w *Writer) emitNewSchemaLocked(name string) (uint16, error) {
	s := w.schemas[name]
	cost := sizetracker.SchemaSize(s.name, string(s.encoding), s.text)
	if err := w.size.Reserve("schema", cost); err != nil {
		bytesNeeded, _ := rerrors.IsFullFile(err)
		if rotErr := w.rotateLocked(bytesNeeded + cost); rotErr != nil {
			return 0, rotErr
		}
		return w.schemaIDLocked(name), nil
	}
	w.schemaOrder = append(w.schemaOrder, name)
	id := w.schemaIDLocked(name)
	return id, w.emitSchemaLocked(id, s)
}

// WriteChannel registers and emits a channel record, keyed by topic name.
func (w *Writer) WriteChannel(c model.Channel) (uint16, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.channels[c.TopicName]; ok {
		return w.channelIDLocked(c.TopicName), nil
	}
	w.knownChannelOrder = append(w.knownChannelOrder, c.TopicName)
	w.channels[c.TopicName] = knownChannel{
		topicName:       c.TopicName,
		messageEncoding: c.MessageEncoding,
		schemaID:        c.SchemaID,
		metadata:        c.Metadata,
	}
	if !w.enabled {
		return w.channelIDLocked(c.TopicName), nil
	}
	return w.emitNewChannelLocked(c.TopicName)
}

// emitNewChannelLocked mirrors emitNewSchemaLocked for channels.
func (w *Writer) emitNewChannelLocked(topic string) (uint16, error) {
	c := w.channels[topic]
	cost := sizetracker.ChannelSize(c.topicName, c.messageEncoding, len(c.metadata))
	if err := w.size.Reserve("channel", cost); err != nil {
		bytesNeeded, _ := rerrors.IsFullFile(err)
		if rotErr := w.rotateLocked(bytesNeeded + cost); rotErr != nil {
			return 0, rotErr
		}
		return w.channelIDLocked(topic), nil
	}
	w.channelOrder = append(w.channelOrder, topic)
	id := w.channelIDLocked(topic)
	return id, w.emitChannelLocked(id, c)
}

// WriteMessage reserves and emits a message record under channelID. A
// FullFile condition is recovered locally via rotation and retry; only a
// disk-exhaustion error propagates to the caller.
func (w *Writer) WriteMessage(channelID uint16, msg model.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled {
		return rerrors.NewPreconditionError("binarylog.write_message", fmt.Errorf("writer not enabled"))
	}
	payload := msg.Payload.Bytes()
	cost := sizetracker.MessageSize(len(payload))
	if err := w.size.Reserve("message", cost); err != nil {
		bytesNeeded, _ := rerrors.IsFullFile(err)
		if rotErr := w.rotateLocked(bytesNeeded + cost); rotErr != nil {
			return rotErr
		}
		if err := w.size.Reserve("message", cost); err != nil {
			return rerrors.NewInconsistencyError("binarylog.write_message.retry", err)
		}
	}
	return w.emitMessageLocked(channelID, msg)
}

// UpdateTypeAttachment atomically replaces the pending attachment payload.
// If the writer is enabled, the size difference is re-reserved; a FullFile
// here also triggers rotation, since the attachment is flushed on close and
// must fit.
func (w *Writer) UpdateTypeAttachment(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := len(w.attachment)
	w.attachment = payload
	if !w.enabled {
		return nil
	}
	w.size.Release(sizetracker.AttachmentSize(old))
	cost := sizetracker.AttachmentSize(len(payload))
	if err := w.size.Reserve("attachment", cost); err != nil {
		bytesNeeded, _ := rerrors.IsFullFile(err)
		return w.rotateLocked(bytesNeeded + cost)
	}
	return nil
}

// rotateLocked closes the current file, restating its summary, opens a
// replacement sized for minBytes plus every known schema/channel/attachment,
// and re-emits them into the new file. Caller holds w.mu.
func (w *Writer) rotateLocked(minExtra uint64) error {
	if err := w.closeFileLocked(); err != nil {
		return err
	}
	needed := w.minFileSizeLocked(minExtra)
	if err := w.openFileLocked(needed); err != nil {
		if rerrors.IsFullDisk(err) {
			if w.onDiskFull != nil {
				w.onDiskFull(err)
			}
			w.enabled = false
		}
		return err
	}
	return nil
}

// minFileSizeLocked predicts the smallest size a fresh file must
// accommodate: preamble, every known schema/channel restated, the current
// attachment, and an additional caller-supplied margin (e.g. the message
// that triggered rotation).
func (w *Writer) minFileSizeLocked(extra uint64) uint64 {
	total := sizetracker.PreambleOverhead + sizetracker.MetadataOverhead
	for _, name := range w.knownSchemaOrder {
		s := w.schemas[name]
		total += sizetracker.SchemaSize(s.name, string(s.encoding), s.text)
	}
	for _, topic := range w.knownChannelOrder {
		c := w.channels[topic]
		total += sizetracker.ChannelSize(c.topicName, c.messageEncoding, len(c.metadata))
	}
	total += sizetracker.AttachmentSize(len(w.attachment))
	return total + extra
}

func (w *Writer) openFileLocked(minBytes uint64) error {
	path, err := w.tracker.OpenNewFile(minBytes)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return rerrors.NewInitializationError("binarylog.open_file", err)
	}
	w.f = f
	w.bytesWritten = 0
	w.size.Reset()
	w.schemaOrder = nil
	w.channelOrder = nil

	preamble := encodePreamble(w.cfg.ROS2Profile)
	if err := w.writeLocked(preamble); err != nil {
		return err
	}
	_ = w.size.Reserve("preamble", sizetracker.PreambleOverhead)
	_ = w.size.Reserve("attachment", sizetracker.AttachmentSize(len(w.attachment)))

	// Restate every schema/channel known from a prior file so this one is
	// independently replayable, re-allocating IDs from 1 in this file's own
	// first-seen order (which, since restatement is exhaustive, mirrors
	// knownSchemaOrder/knownChannelOrder).
	for _, name := range w.knownSchemaOrder {
		s := w.schemas[name]
		w.schemaOrder = append(w.schemaOrder, name)
		id := w.schemaIDLocked(name)
		cost := sizetracker.SchemaSize(s.name, string(s.encoding), s.text)
		if err := w.size.Reserve("schema", cost); err != nil {
			return rerrors.NewInconsistencyError("binarylog.open_file.restate_schema", err)
		}
		if err := w.emitSchemaLocked(id, s); err != nil {
			return err
		}
	}
	for _, topic := range w.knownChannelOrder {
		c := w.channels[topic]
		w.channelOrder = append(w.channelOrder, topic)
		id := w.channelIDLocked(topic)
		cost := sizetracker.ChannelSize(c.topicName, c.messageEncoding, len(c.metadata))
		if err := w.size.Reserve("channel", cost); err != nil {
			return rerrors.NewInconsistencyError("binarylog.open_file.restate_channel", err)
		}
		if err := w.emitChannelLocked(id, c); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) closeFileLocked() error {
	if w.f == nil {
		return nil
	}
	if err := w.emitAttachmentLocked(); err != nil {
		return err
	}
	if err := w.emitMetadataLocked(); err != nil {
		return err
	}
	// Summary section: restate the known schemas/channels once more for a
	// reader that only wants to index the tail of the file, then the
	// footer magic.
	for _, name := range w.schemaOrder {
		s := w.schemas[name]
		if err := w.emitSchemaLocked(w.schemaIDLocked(name), s); err != nil {
			return err
		}
	}
	for _, topic := range w.channelOrder {
		c := w.channels[topic]
		if err := w.emitChannelLocked(w.channelIDLocked(topic), c); err != nil {
			return err
		}
	}
	footer := appendU64(nil, w.bytesWritten)
	footer = append(footerMagic[:], footer...)
	if err := w.writeLocked(encodeRecord(opFooter, footer)); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return rerrors.NewInitializationError("binarylog.close_file", err)
	}
	w.f = nil
	return w.tracker.CloseCurrentFile()
}

func (w *Writer) emitSchemaLocked(id uint16, s knownSchema) error {
	payload := appendU16(nil, id)
	payload = appendStringField(payload, s.name)
	payload = appendStringField(payload, string(s.encoding))
	payload = appendStringField(payload, s.text)
	return w.writeLocked(encodeRecord(opSchema, payload))
}

func (w *Writer) emitChannelLocked(id uint16, c knownChannel) error {
	payload := appendU16(nil, id)
	payload = appendStringField(payload, c.topicName)
	payload = appendStringField(payload, c.messageEncoding)
	payload = appendU16(payload, c.schemaID)
	payload = appendU32(payload, uint32(len(c.metadata)))
	for k, v := range c.metadata {
		payload = appendStringField(payload, k)
		payload = appendStringField(payload, v)
	}
	return w.writeLocked(encodeRecord(opChannel, payload))
}

func (w *Writer) emitMessageLocked(channelID uint16, msg model.Message) error {
	payload := appendU16(nil, channelID)
	payload = appendStringField(payload, msg.Source.WriterGUID)
	payload = appendU64(payload, msg.Source.SequenceNumber)
	payload = appendI64(payload, msg.LogTime.UnixNano())
	payload = appendI64(payload, msg.PublishTime.UnixNano())
	payload = appendBytesField(payload, msg.Payload.Bytes())
	return w.writeLocked(encodeRecord(opMessage, payload))
}

func (w *Writer) emitAttachmentLocked() error {
	payload := appendStringField(nil, "dynamic_types")
	payload = appendBytesField(payload, w.attachment)
	return w.writeLocked(encodeRecord(opAttachment, payload))
}

func (w *Writer) emitMetadataLocked() error {
	payload := appendStringField(nil, buildinfo.Release)
	payload = appendStringField(payload, buildinfo.Commit)
	if w.cfg.ROS2Profile {
		payload = append(payload, 1)
	} else {
		payload = append(payload, 0)
	}
	return w.writeLocked(encodeRecord(opMetadata, payload))
}

func (w *Writer) writeLocked(b []byte) error {
	if w.f == nil {
		return rerrors.NewInconsistencyError("binarylog.write", fmt.Errorf("no file open"))
	}
	n, err := w.f.Write(b)
	if err != nil {
		return rerrors.NewInitializationError("binarylog.write", err)
	}
	w.bytesWritten += uint64(n)
	w.tracker.SetCurrentSize(w.bytesWritten)
	return nil
}

// schemaIDLocked returns the 1-based position of name in the currently open
// file's schemaOrder: the ID it is assigned in this file. IDs reset to 1 on
// every rotation. When no file is open yet (the writer is disabled),
// knownSchemaOrder is consulted instead — restatement on the next Enable
// restates every known schema in that same order, so the position returned
// here always matches the ID the name will actually get.
func (w *Writer) schemaIDLocked(name string) uint16 {
	for i, n := range w.schemaOrder {
		if n == name {
			return uint16(i + 1)
		}
	}
	for i, n := range w.knownSchemaOrder {
		if n == name {
			return uint16(i + 1)
		}
	}
	return 0
}

func (w *Writer) channelIDLocked(topic string) uint16 {
	for i, t := range w.channelOrder {
		if t == topic {
			return uint16(i + 1)
		}
	}
	for i, t := range w.knownChannelOrder {
		if t == topic {
			return uint16(i + 1)
		}
	}
	return 0
}
