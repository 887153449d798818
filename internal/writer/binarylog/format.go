// Package binarylog implements the chunked binary-log format writer: a
// self-describing container format hand-rolled with encoding/binary, in
// the same length-prefixed, self-describing record style as a chunked
// container with header/trailer/index sections.
package binarylog

import (
	"encoding/binary"
	"fmt"
)

// opcode tags each record so a reader can walk the file without external
// schema knowledge.
type opcode uint8

const (
	opSchema     opcode = 1
	opChannel    opcode = 2
	opMessage    opcode = 3
	opAttachment opcode = 4
	opMetadata   opcode = 5
	opFooter     opcode = 6
)

// preambleMagic identifies the container format and is written once at the
// start of every file.
var preambleMagic = [8]byte{'D', 'D', 'S', 'R', 'L', 'O', 'G', '1'}

// footerMagic closes the file after the summary section.
var footerMagic = [4]byte{'F', 'O', 'O', 'T'}

// encodePreamble returns the fixed-size preamble: magic, a profile byte
// (1 = ROS2 message-definition profile, 0 = OMG IDL profile), and 7 bytes
// of reserved padding for future flags.
func encodePreamble(ros2Profile bool) []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, preambleMagic[:]...)
	if ros2Profile {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, make([]byte, 7)...)
	return buf
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendI64(buf []byte, v int64) []byte {
	return appendU64(buf, uint64(v))
}

func appendBytesField(buf []byte, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendStringField(buf []byte, s string) []byte {
	return appendBytesField(buf, []byte(s))
}

// encodeRecord wraps payload in the record framing: a 1-byte opcode and a
// 4-byte big-endian length prefix, so every record is independently
// skippable.
func encodeRecord(op opcode, payload []byte) []byte {
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, byte(op))
	buf = appendU32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// recordFrameOverhead is the fixed cost of the opcode+length prefix every
// record pays. Nothing in this package references it.
const recordFrameOverhead = 1 + 4

// errTruncated names the failure to read a whole record. This package has
// no record decoder, so nothing returns it.
var errTruncated = fmt.Errorf("binarylog: truncated record")
