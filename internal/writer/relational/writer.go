// Package relational implements the relational format writer: a single
// SQLite file with Topics, Messages, Schemas, Types, and Info tables,
// written through database/sql, with the same open/rotate-on-threshold
// control flow as the binary-log writer adapted to a database connection
// lifecycle instead of raw file I/O.
package relational

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eprosima/ddsrecorder/internal/buildinfo"
	rerrors "github.com/eprosima/ddsrecorder/internal/errors"
	"github.com/eprosima/ddsrecorder/internal/model"
	"github.com/eprosima/ddsrecorder/internal/tracker"
	"github.com/eprosima/ddsrecorder/internal/writer"
)

// DataFormat selects how a message payload is stored in the Messages table.
type DataFormat string

const (
	DataFormatBlob DataFormat = "cdr_blob"
	DataFormatJSON DataFormat = "json_text"
	DataFormatBoth DataFormat = "both"
)

// Config configures the relational Writer.
type Config struct {
	DataFormat DataFormat
	ROS2Profile bool
	// MaxFileSizeHint bounds when the writer requests rotation after
	// observing the on-disk file size post-commit (0 = unbounded).
	MaxFileSizeHint uint64
	// Deserializer renders a payload to JSON text when DataFormat requires
	// it. May be nil if DataFormat is DataFormatBlob.
	Deserializer interface {
		PayloadToJSON(typeName string, payload []byte) (string, error)
	}
}

const timeLayout = "2006-01-02 15:04:05.000000000"

// Writer implements writer.Writer against a SQLite file.
type Writer struct {
	tracker *tracker.Tracker
	cfg     Config

	db           *sql.DB
	enabled      bool
	writtenTopic map[string]bool // idempotent Topics insertion, per open file
	attachment   []byte
	onDiskFull   func(error)
}

var _ writer.Writer = (*Writer)(nil)

// New constructs a relational Writer.
func New(tr *tracker.Tracker, cfg Config) *Writer {
	if cfg.DataFormat == "" {
		cfg.DataFormat = DataFormatBlob
	}
	return &Writer{tracker: tr, cfg: cfg, writtenTopic: make(map[string]bool)}
}

func (w *Writer) OnDiskFull(cb func(error)) { w.onDiskFull = cb }

// Enable opens a new SQLite file and creates its schema.
func (w *Writer) Enable() error {
	if w.enabled {
		return nil
	}
	path, err := w.tracker.OpenNewFile(0)
	if err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return rerrors.NewInitializationError("relational.open", err)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return err
	}
	if err := writeInfoRows(db, w.cfg.ROS2Profile); err != nil {
		db.Close()
		return err
	}
	w.db = db
	w.writtenTopic = make(map[string]bool)
	w.enabled = true
	return nil
}

// Disable writes the pending type attachment rows and closes the file.
func (w *Writer) Disable() error {
	if !w.enabled {
		return nil
	}
	if err := w.flushAttachmentLocked(); err != nil {
		return err
	}
	if err := w.db.Close(); err != nil {
		return rerrors.NewInitializationError("relational.close", err)
	}
	w.db = nil
	w.enabled = false
	return w.tracker.CloseCurrentFile()
}

// WriteTopic idempotently inserts a Topics row; repeat calls for a topic
// already written to the current file are no-ops (SqlHandler's
// written-topics set).
func (w *Writer) WriteTopic(t model.Topic) error {
	if !w.enabled {
		return rerrors.NewPreconditionError("relational.write_topic", fmt.Errorf("writer not enabled"))
	}
	key := t.Name + "\x00" + t.TypeName
	if w.writtenTopic[key] {
		return nil
	}
	qosJSON := fmt.Sprintf(
		`{"reliability":%q,"durability":%q,"ownership":%q,"keyed":%t,"history_depth":%d}`,
		t.QoS.Reliability, t.QoS.Durability, t.QoS.Ownership, t.QoS.Keyed, t.QoS.HistoryDepth)
	_, err := w.db.Exec(
		`INSERT OR IGNORE INTO Topics(topic_name, type_name, qos_json) VALUES (?, ?, ?)`,
		t.Name, t.TypeName, qosJSON)
	if err != nil {
		return w.rotateOnFull(err)
	}
	w.writtenTopic[key] = true
	return nil
}

// WriteSchema inserts a Schemas row keyed by type name. The relational
// format does not allocate monotonic numeric IDs the way the binary-log
// format does; it returns 0 always, consistent with writer.Writer's
// contract (the relational Channel/Message rows reference types by name,
// not by the numeric SchemaID the binary-log format uses).
func (w *Writer) WriteSchema(s model.Schema) (uint16, error) {
	if !w.enabled {
		return 0, rerrors.NewPreconditionError("relational.write_schema", fmt.Errorf("writer not enabled"))
	}
	_, err := w.db.Exec(
		`INSERT OR IGNORE INTO Schemas(type_name, encoding, text) VALUES (?, ?, ?)`,
		s.Name, string(s.Encoding), s.Text)
	if err != nil {
		return 0, w.rotateOnFull(err)
	}
	return 0, nil
}

// WriteChannel is a no-op for the relational format: a Channel is just the
// (topic, schema) pairing already captured by the Topics row plus the
// Messages.topic_name/type_name columns, so there is no separate Channels
// table for this format.
func (w *Writer) WriteChannel(model.Channel) (uint16, error) { return 0, nil }

// WriteMessage inserts one Messages row. channelID is ignored (see
// WriteChannel); the row is addressed by topic name and type name instead.
func (w *Writer) WriteMessage(_ uint16, msg model.Message) error {
	if !w.enabled {
		return rerrors.NewPreconditionError("relational.write_message", fmt.Errorf("writer not enabled"))
	}
	payload := msg.Payload.Bytes()
	var dataBlob []byte
	var dataJSON sql.NullString
	switch w.cfg.DataFormat {
	case DataFormatBlob:
		dataBlob = payload
	case DataFormatJSON:
		dataJSON = w.toJSON(msg.Topic.TypeName, payload)
	case DataFormatBoth:
		dataBlob = payload
		dataJSON = w.toJSON(msg.Topic.TypeName, payload)
	}
	_, err := w.db.Exec(
		`INSERT INTO Messages(log_time, publish_time, topic_name, type_name, data_blob, data_json,
			writer_guid, sequence_number, instance_handle, key_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(msg.LogTime), formatTime(msg.PublishTime), msg.Topic.Name, msg.Topic.TypeName,
		dataBlob, dataJSON, msg.Source.WriterGUID, int64(msg.Source.SequenceNumber),
		msg.InstanceHandle, msg.Key)
	if err != nil {
		return w.rotateOnFull(err)
	}
	return w.checkSizeHint()
}

func (w *Writer) toJSON(typeName string, payload []byte) sql.NullString {
	if w.cfg.Deserializer == nil {
		return sql.NullString{}
	}
	text, err := w.cfg.Deserializer.PayloadToJSON(typeName, payload)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: text, Valid: true}
}

// UpdateTypeAttachment replaces the pending Types rows, flushed to disk
// immediately since they are small and idempotent to rewrite.
func (w *Writer) UpdateTypeAttachment(payload []byte) error {
	w.attachment = payload
	if !w.enabled {
		return nil
	}
	return w.flushAttachmentLocked()
}

func (w *Writer) flushAttachmentLocked() error {
	if len(w.attachment) == 0 {
		return nil
	}
	types, err := model.DecodeTypeAttachment(w.attachment)
	if err != nil {
		return rerrors.NewInconsistencyError("relational.flush_attachment", err)
	}
	tx, err := w.db.Begin()
	if err != nil {
		return rerrors.NewInitializationError("relational.flush_attachment.begin", err)
	}
	for _, t := range flattenTypes(types) {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO Types(type_name, type_id_blob, type_object_blob) VALUES (?, ?, ?)`,
			t.TypeName, t.TypeID, t.TypeObject); err != nil {
			tx.Rollback()
			return rerrors.NewInitializationError("relational.flush_attachment.exec", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return rerrors.NewInitializationError("relational.flush_attachment.commit", err)
	}
	return nil
}

func flattenTypes(types []model.DynamicType) []model.DynamicType {
	out := make([]model.DynamicType, 0, len(types))
	seen := make(map[string]bool)
	var walk func(dt model.DynamicType)
	walk = func(dt model.DynamicType) {
		if seen[dt.TypeName] {
			return
		}
		seen[dt.TypeName] = true
		out = append(out, model.DynamicType{TypeName: dt.TypeName, TypeID: dt.TypeID, TypeObject: dt.TypeObject})
		for _, dep := range dt.Dependencies {
			walk(dep)
		}
	}
	for _, t := range types {
		walk(t)
	}
	return out
}

// rotateOnFull treats a failed insert as a FullDisk condition (the
// relational writer has no Size tracker of its own): it invokes the
// disk-full callback and disables the writer. The driver error is not
// inspected, so SQLITE_FULL is not told apart from any other failure, and
// no replacement file is opened.
func (w *Writer) rotateOnFull(cause error) error {
	diskErr := rerrors.NewFullDiskError("relational.sqlite", cause)
	if w.onDiskFull != nil {
		w.onDiskFull(diskErr)
	}
	w.enabled = false
	return diskErr
}

// checkSizeHint rotates to a new file once the current one has grown past
// MaxFileSizeHint, a per-file limit observed after the fact by statting the
// open database file rather than predicted, since SQLite owns its own page
// layout. The stat result is also reported to the tracker via
// SetCurrentSize so TotalSize() (used for the total-budget checks in
// Enable/OpenNewFile) reflects this file's real on-disk size instead of the
// 0 it would otherwise carry for as long as the file stays open.
func (w *Writer) checkSizeHint() error {
	path := w.tracker.CurrentPath()
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	size := uint64(info.Size())
	w.tracker.SetCurrentSize(size)
	if w.cfg.MaxFileSizeHint == 0 || size < w.cfg.MaxFileSizeHint {
		return nil
	}
	if err := w.Disable(); err != nil {
		return err
	}
	return w.Enable()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS Topics (
			topic_name TEXT NOT NULL,
			type_name TEXT NOT NULL,
			qos_json TEXT NOT NULL,
			PRIMARY KEY (topic_name, type_name)
		)`,
		`CREATE TABLE IF NOT EXISTS Schemas (
			type_name TEXT PRIMARY KEY,
			encoding TEXT NOT NULL,
			text TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS Types (
			type_name TEXT PRIMARY KEY,
			type_id_blob BLOB,
			type_object_blob BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS Messages (
			log_time TEXT NOT NULL,
			publish_time TEXT NOT NULL,
			topic_name TEXT NOT NULL,
			type_name TEXT NOT NULL,
			data_blob BLOB,
			data_json TEXT,
			writer_guid TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			instance_handle TEXT,
			key_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_topic_logtime ON Messages(topic_name, log_time)`,
		`CREATE TABLE IF NOT EXISTS Info (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return rerrors.NewInitializationError("relational.create_schema", err)
		}
	}
	return nil
}

func writeInfoRows(db *sql.DB, ros2Profile bool) error {
	profile := "idl"
	if ros2Profile {
		profile = "ros2msg"
	}
	rows := [][2]string{
		{"release", buildinfo.Release},
		{"commit", buildinfo.Commit},
		{"profile", profile},
	}
	for _, r := range rows {
		if _, err := db.Exec(`INSERT OR REPLACE INTO Info(key, value) VALUES (?, ?)`, r[0], r[1]); err != nil {
			return rerrors.NewInitializationError("relational.write_info", err)
		}
	}
	return nil
}
