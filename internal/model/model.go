// Package model holds the recording engine's wire-agnostic data model: the
// shapes that flow from the Ingress adapter through the Recording handler
// into a Format writer. Nothing here knows about NATS, MCAP, or SQLite.
package model

import "time"

// QoS mirrors the handful of pub/sub quality-of-service knobs the recording
// engine actually reasons about; everything else on the wire is opaque to
// the core.
type QoS struct {
	Reliability   string
	Durability    string
	Ownership     string
	Keyed         bool
	HistoryDepth  int
}

// Topic identifies a subscribable pub/sub endpoint. Two topics with the same
// Name but different TypeName are distinct — comparison is by value, so
// Topic is safe to use as a map key.
type Topic struct {
	Name     string
	TypeName string
	QoS      QoS
}

// SourceIdentity identifies the publisher instance that produced a Message,
// used to key relational rows and to memoize instance keys.
type SourceIdentity struct {
	WriterGUID     string
	SequenceNumber uint64
}

// Message is one received pub/sub sample plus the metadata the recording
// engine attaches to it. Payload is a reference-counted handle from the
// payload pool; whoever is handed a Message owns one reference to its
// payload and releases it once the message is written or dropped (the
// ingress adapter retains one extra reference per additional handler).
type Message struct {
	Topic       Topic
	Payload     PayloadHandle
	PublishTime time.Time
	LogTime     time.Time
	Source      SourceIdentity

	// InstanceHandle is a stable hash of the keyed fields, computed lazily by
	// the handler for relational output. Empty for unkeyed types or before
	// computation.
	InstanceHandle string
	// Key is the canonical JSON of the instance's key members, computed
	// lazily by the handler for relational output only.
	Key string
}

// PayloadHandle is the subset of *payload.Payload the model package needs,
// expressed as an interface so this package does not import payload and
// create a cycle; internal/payload.Payload satisfies it.
type PayloadHandle interface {
	Bytes() []byte
	Len() int
}

// DynamicType is an opaque, self-describing type description as delivered
// by the pub/sub introspection layer: raw bytes plus the name the recorder
// indexes it by. The recording engine never interprets TypeObject itself
// except to hand it to the format writer and, for relational output, to a
// Deserializer.
type DynamicType struct {
	TypeName   string
	TypeID     []byte
	TypeObject []byte
	// Dependencies lists the transitive type dependencies in the order the
	// pub/sub layer reported them: insertion order, not topologically
	// sorted.
	Dependencies []DynamicType
}

// EncodingTag names the schema encoding a Schema record carries. The two
// values mirror the two encodings real DDS/ROS recordings use.
type EncodingTag string

const (
	EncodingIDL      EncodingTag = "idl"
	EncodingROS2Msg  EncodingTag = "ros2msg"
	EncodingUnknown  EncodingTag = "unknown"
)

// Schema is a per-output-format record derived from a DynamicType. IDs are
// assigned monotonically within a file and reset across rotations.
type Schema struct {
	ID       uint16
	Name     string
	Encoding EncodingTag
	Text     string
}

// Channel maps a topic to a schema within one output file. IDs are
// monotonic within a file, like Schema IDs.
type Channel struct {
	ID              uint16
	TopicName       string
	MessageEncoding string
	SchemaID        uint16
	Metadata        map[string]string
}

// UnknownSchemaID is the sentinel Schema/Channel ID used for messages
// recorded under the "unknown schema" placeholder channel when
// only_with_schema is false and a type never announced a schema.
const UnknownSchemaID uint16 = 0

// Deserializer wraps the pub/sub layer's dynamic-type introspection: the one
// abstraction the core needs from the middleware's dynamic-type API.
// Implementors wrap whatever underlying library actually talks to the
// middleware; the core only calls these three methods.
type Deserializer interface {
	// GetType returns the previously registered DynamicType for typeName, or
	// false if it is not known.
	GetType(typeName string) (DynamicType, bool)
	// SerializeType renders a DynamicType into a Schema's (encoding, text).
	SerializeType(dt DynamicType) (EncodingTag, string, error)
	// DeserializeKeyJSON decodes payload using the named type's introspected
	// shape, keeps only members marked as key fields, and re-serializes them
	// as canonical JSON. Returns an empty string on any decode failure — the
	// caller logs and keeps the message.
	DeserializeKeyJSON(typeName string, payload []byte) (instanceHandle string, keyJSON string, err error)
}
