package relational

import (
	"os"
	"testing"

	"github.com/eprosima/ddsrecorder/internal/model"
	"github.com/eprosima/ddsrecorder/internal/tracker"
)

type fakePayload struct{ b []byte }

func (p fakePayload) Bytes() []byte { return p.b }
func (p fakePayload) Len() int      { return len(p.b) }

type fakeSpacer struct{ free uint64 }

func (f fakeSpacer) FreeBytes(string) (uint64, error) { return f.free, nil }

func newTestWriter(t *testing.T, cfg Config) *Writer {
	t.Helper()
	dir := t.TempDir()
	tr := tracker.New(tracker.Config{Dir: dir, BaseName: "out", Extension: ".db"}, fakeSpacer{free: 1 << 30})
	return New(tr, cfg)
}

func TestRelationalWriterTopicInsertIsIdempotent(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t, Config{DataFormat: DataFormatBlob})
	if err := w.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	topic := model.Topic{Name: "/a", TypeName: "pkg/Type", QoS: model.QoS{Reliability: "reliable"}}
	if err := w.WriteTopic(topic); err != nil {
		t.Fatalf("write topic: %v", err)
	}
	if err := w.WriteTopic(topic); err != nil {
		t.Fatalf("write topic again: %v", err)
	}
	var count int
	if err := w.db.QueryRow(`SELECT COUNT(*) FROM Topics`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one Topics row, got %d", count)
	}
	if err := w.Disable(); err != nil {
		t.Fatalf("disable: %v", err)
	}
}

func TestRelationalWriterKeyedWrites(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t, Config{DataFormat: DataFormatBoth})
	if err := w.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	topic := model.Topic{Name: "/k", TypeName: "pkg/Keyed"}
	if err := w.WriteTopic(topic); err != nil {
		t.Fatalf("write topic: %v", err)
	}
	keys := []string{`{"id":1}`, `{"id":2}`, `{"id":1}`}
	handles := []string{"h1", "h2", "h1"}
	for i, k := range keys {
		msg := model.Message{
			Topic:          topic,
			Payload:        fakePayload{b: []byte("x")},
			Source:         model.SourceIdentity{WriterGUID: "g", SequenceNumber: uint64(i)},
			InstanceHandle: handles[i],
			Key:            k,
		}
		if err := w.WriteMessage(0, msg); err != nil {
			t.Fatalf("write message %d: %v", i, err)
		}
	}
	var count int
	if err := w.db.QueryRow(`SELECT COUNT(*) FROM Messages`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 Messages rows, got %d", count)
	}
	var handle1, handle3 string
	rows, err := w.db.Query(`SELECT instance_handle FROM Messages ORDER BY rowid`)
	if err != nil {
		t.Fatalf("query rows: %v", err)
	}
	defer rows.Close()
	var all []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			t.Fatalf("scan: %v", err)
		}
		all = append(all, h)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
	handle1, handle3 = all[0], all[2]
	if handle1 != handle3 {
		t.Fatalf("expected stable instance handle for repeated key, got %q vs %q", handle1, handle3)
	}
	if err := w.Disable(); err != nil {
		t.Fatalf("disable: %v", err)
	}
}

func TestRelationalWriterInfoRows(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t, Config{ROS2Profile: true})
	if err := w.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	for _, key := range []string{"release", "commit", "profile"} {
		var value string
		if err := w.db.QueryRow(`SELECT value FROM Info WHERE key = ?`, key).Scan(&value); err != nil {
			t.Fatalf("query info %q: %v", key, err)
		}
		if value == "" {
			t.Fatalf("expected non-empty value for Info key %q", key)
		}
	}
	if err := w.Disable(); err != nil {
		t.Fatalf("disable: %v", err)
	}
}

func TestRelationalWriterRotatesOnSizeHint(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tr := tracker.New(tracker.Config{Dir: dir, BaseName: "out", Extension: ".db"}, fakeSpacer{free: 1 << 30})
	w := New(tr, Config{DataFormat: DataFormatBlob, MaxFileSizeHint: 1})
	if err := w.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	topic := model.Topic{Name: "/r", TypeName: "pkg/Rotate"}
	if err := w.WriteTopic(topic); err != nil {
		t.Fatalf("write topic: %v", err)
	}
	msg := model.Message{
		Topic:   topic,
		Payload: fakePayload{b: []byte("payload bytes")},
		Source:  model.SourceIdentity{WriterGUID: "g", SequenceNumber: 1},
	}
	// MaxFileSizeHint of 1 byte means the first commit already exceeds it,
	// so WriteMessage must rotate to a new file rather than keep appending.
	if err := w.WriteMessage(0, msg); err != nil {
		t.Fatalf("write message: %v", err)
	}
	if tr.TotalSize() == 0 {
		t.Fatalf("expected the rotated-out file's stat'd size to be reflected in tracker.TotalSize")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected size-hint rotation to leave a closed file plus a newly opened one, got %d entries", len(entries))
	}
	if err := w.Disable(); err != nil {
		t.Fatalf("disable: %v", err)
	}
}

func TestRelationalWriterDisableIsIdempotent(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t, Config{})
	if err := w.Disable(); err != nil {
		t.Fatalf("disable before enable: %v", err)
	}
	if err := w.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := w.Disable(); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := w.Disable(); err != nil {
		t.Fatalf("second disable: %v", err)
	}
}
