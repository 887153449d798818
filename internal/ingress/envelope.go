package ingress

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/eprosima/ddsrecorder/internal/model"
)

// nowFunc is overridden in tests for deterministic log_time assertions.
var nowFunc = time.Now

// envelope is the decoded shape of one data-subject message. The pub/sub
// transport and its message encoding are an external collaborator; this
// fixed-field layout is this adapter's concrete choice for decoding that
// wire shape.
type envelope struct {
	Topic          model.Topic
	Payload        []byte
	PublishTime    time.Time
	LogTime        time.Time
	WriterGUID     string
	SequenceNumber uint64
}

var errShortEnvelope = fmt.Errorf("ingress: short envelope buffer")

// decodeEnvelope parses the fixed-field layout:
//
//	topic_name (len-prefixed string)
//	type_name  (len-prefixed string)
//	writer_guid (len-prefixed string)
//	sequence_number (u64)
//	publish_time_unix_nano (i64)
//	payload (len-prefixed bytes)
func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	pos := 0
	readString := func() (string, error) {
		if len(data)-pos < 4 {
			return "", errShortEnvelope
		}
		n := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if len(data)-pos < n {
			return "", errShortEnvelope
		}
		s := string(data[pos : pos+n])
		pos += n
		return s, nil
	}
	topicName, err := readString()
	if err != nil {
		return envelope{}, err
	}
	typeName, err := readString()
	if err != nil {
		return envelope{}, err
	}
	writerGUID, err := readString()
	if err != nil {
		return envelope{}, err
	}
	if len(data)-pos < 16 {
		return envelope{}, errShortEnvelope
	}
	seq := binary.BigEndian.Uint64(data[pos:])
	pos += 8
	publishNano := int64(binary.BigEndian.Uint64(data[pos:]))
	pos += 8
	if len(data)-pos < 4 {
		return envelope{}, errShortEnvelope
	}
	n := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if len(data)-pos < n {
		return envelope{}, errShortEnvelope
	}
	payload := data[pos : pos+n]

	env.Topic = model.Topic{Name: topicName, TypeName: typeName}
	env.WriterGUID = writerGUID
	env.SequenceNumber = seq
	env.PublishTime = time.Unix(0, publishNano)
	env.Payload = payload
	return env, nil
}

// encodeEnvelope is the inverse of decodeEnvelope, used by tests and by any
// component publishing onto the data subject.
func encodeEnvelope(env envelope) []byte {
	buf := make([]byte, 0, 64+len(env.Payload))
	appendString := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, s...)
	}
	appendString(env.Topic.Name)
	appendString(env.Topic.TypeName)
	appendString(env.WriterGUID)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], env.SequenceNumber)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(env.PublishTime.UnixNano()))
	buf = append(buf, u64[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(env.Payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, env.Payload...)
	return buf
}
