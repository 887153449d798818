package model

import "encoding/binary"

// EncodeTypeAttachment serializes the session's registered dynamic types
// into a stable structured-binary layout for the trailing dynamic_types
// attachment: a sequence of
// {type_name, type_id_bytes, type_object_bytes, dependencies: [...]} records
// in insertion order, left unsorted.
func EncodeTypeAttachment(types []DynamicType) []byte {
	buf := make([]byte, 0, 256)
	buf = appendUint32(buf, uint32(len(types)))
	for _, dt := range types {
		buf = encodeDynamicType(buf, dt)
	}
	return buf
}

// EncodeDynamicType serializes a single dynamic type using the same layout
// as one element of EncodeTypeAttachment, for transport over a
// discovery-stream message (see internal/ingress).
func EncodeDynamicType(dt DynamicType) []byte {
	return encodeDynamicType(nil, dt)
}

// DecodeDynamicType is the inverse of EncodeDynamicType.
func DecodeDynamicType(data []byte) (DynamicType, error) {
	return decodeDynamicType(&reader{buf: data})
}

func encodeDynamicType(buf []byte, dt DynamicType) []byte {
	buf = appendString(buf, dt.TypeName)
	buf = appendBytes(buf, dt.TypeID)
	buf = appendBytes(buf, dt.TypeObject)
	buf = appendUint32(buf, uint32(len(dt.Dependencies)))
	for _, dep := range dt.Dependencies {
		buf = appendString(buf, dep.TypeName)
		buf = appendBytes(buf, dep.TypeID)
		buf = appendBytes(buf, dep.TypeObject)
	}
	return buf
}

// DecodeTypeAttachment is the inverse of EncodeTypeAttachment. The
// relational writer uses it to expand the attachment into Types rows.
func DecodeTypeAttachment(data []byte) ([]DynamicType, error) {
	r := &reader{buf: data}
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	out := make([]DynamicType, 0, count)
	for i := uint32(0); i < count; i++ {
		dt, err := decodeDynamicType(r)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	return out, nil
}

func decodeDynamicType(r *reader) (DynamicType, error) {
	name, err := r.string()
	if err != nil {
		return DynamicType{}, err
	}
	id, err := r.bytes()
	if err != nil {
		return DynamicType{}, err
	}
	obj, err := r.bytes()
	if err != nil {
		return DynamicType{}, err
	}
	depCount, err := r.uint32()
	if err != nil {
		return DynamicType{}, err
	}
	var deps []DynamicType
	for i := uint32(0); i < depCount; i++ {
		depName, err := r.string()
		if err != nil {
			return DynamicType{}, err
		}
		depID, err := r.bytes()
		if err != nil {
			return DynamicType{}, err
		}
		depObj, err := r.bytes()
		if err != nil {
			return DynamicType{}, err
		}
		deps = append(deps, DynamicType{TypeName: depName, TypeID: depID, TypeObject: depObj})
	}
	return DynamicType{TypeName: name, TypeID: id, TypeObject: obj, Dependencies: deps}, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

// reader is a minimal cursor over a byte slice used to decode the
// attachment layout without pulling in a general-purpose binary codec.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) uint32() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, errShortBuffer
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint32(len(r.buf)-r.pos) < n {
		return nil, errShortBuffer
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var errShortBuffer = errBuffer("model: short buffer decoding type attachment")

type errBuffer string

func (e errBuffer) Error() string { return string(e) }
