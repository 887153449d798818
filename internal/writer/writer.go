// Package writer defines the format writer contract: the shared lifecycle
// both on-disk formats expose to the recording handler. The two
// implementations, binarylog and relational, do not share state — only
// this interface.
package writer

import "github.com/eprosima/ddsrecorder/internal/model"

// Writer is driven entirely by a single recording handler; it is not safe
// for concurrent use from multiple goroutines. Both implementations are
// single-threaded internally; concurrency is serialized by the caller.
type Writer interface {
	// Enable opens a new output file and prepares it to accept records.
	Enable() error
	// Disable flushes any pending attachment/metadata/schema/channel state
	// and closes the current file. Safe to call when already disabled.
	Disable() error

	// WriteTopic records a topic's existence (relational output only; the
	// binary-log writer may treat this as a no-op since topic identity is
	// implied by its channel).
	WriteTopic(model.Topic) error
	// WriteSchema emits a schema record, returning its assigned ID.
	WriteSchema(model.Schema) (uint16, error)
	// WriteChannel emits a channel record, returning its assigned ID.
	WriteChannel(model.Channel) (uint16, error)
	// WriteMessage emits one message under the given channel ID. On
	// FullFile the writer recovers locally (rotation + retry); the only
	// errors that escape to the caller are FullDisk or unexpected I/O
	// failures.
	WriteMessage(channelID uint16, msg model.Message) error

	// UpdateTypeAttachment atomically replaces the pending dynamic-types
	// attachment payload.
	UpdateTypeAttachment(payload []byte) error

	// OnDiskFull registers the callback invoked when the writer can no
	// longer obtain a replacement file. At most one callback is kept;
	// registering again replaces it.
	OnDiskFull(cb func(error))
}
