// Package payload implements the recording engine's reference-counted
// buffer ownership (component A of the recording architecture): a pool of
// reusable byte buffers plus a Payload handle whose last reference returns
// the bytes to the pool that allocated them.
package payload

import (
	"sync"
	"sync/atomic"

	rerrors "github.com/eprosima/ddsrecorder/internal/errors"
)

var sizeClasses = []int{128, 4096, 65536, 1 << 20}

type classPool struct {
	size int
	pool *sync.Pool
}

// Pool allocates size-classed byte buffers and tracks them behind
// refcounted Payload handles. The zero value is not usable; use New.
type Pool struct {
	pools []classPool
}

// New creates a pool with size classes tuned for typical message payloads,
// from small control samples up to 1MiB blobs.
func New() *Pool {
	pools := make([]classPool, len(sizeClasses))
	for i, classSize := range sizeClasses {
		size := classSize
		pools[i] = classPool{
			size: size,
			pool: &sync.Pool{
				New: func() any {
					return make([]byte, size)
				},
			},
		}
	}
	return &Pool{pools: pools}
}

// Payload is an immutable, reference-counted view over a byte slice. It is
// safe to Retain and Release concurrently from multiple goroutines.
type Payload struct {
	owner *Pool
	buf   []byte
	class int // index into owner.pools, or -1 if unpooled (oversized allocation)
	refs  atomic.Int32
}

// GetPayload allocates size bytes with refcount 1, owned by p.
func (p *Pool) GetPayload(size int) *Payload {
	if size <= 0 {
		return nil
	}
	for i := range p.pools {
		class := &p.pools[i]
		if size <= class.size {
			buf := class.pool.Get().([]byte)
			pl := &Payload{owner: p, buf: buf[:size], class: i}
			pl.refs.Store(1)
			return pl
		}
	}
	pl := &Payload{owner: p, buf: make([]byte, size), class: -1}
	pl.refs.Store(1)
	return pl
}

// CloneInto aliases src into dst when src is already owned by p (bumping
// src's refcount and returning src itself), or copies src's bytes into a
// fresh allocation owned by p otherwise. This mirrors get_payload(src,
// src_owner, dst) from the recording spec: payloads crossing a pool
// boundary are copied, payloads already local are shared.
func (p *Pool) CloneInto(src *Payload) *Payload {
	if src == nil {
		return nil
	}
	if src.owner == p {
		src.Retain()
		return src
	}
	dst := p.GetPayload(len(src.buf))
	copy(dst.buf, src.buf)
	return dst
}

// Bytes returns the payload's underlying bytes. The slice is only valid
// while the caller holds a reference (i.e. between Retain/GetPayload and
// the matching Release).
func (pl *Payload) Bytes() []byte {
	if pl == nil {
		return nil
	}
	return pl.buf
}

// Len returns the payload length in bytes.
func (pl *Payload) Len() int {
	if pl == nil {
		return 0
	}
	return len(pl.buf)
}

// Retain increments the reference count. Call before handing the payload to
// a second owner (e.g. fanning a message out to multiple handlers).
func (pl *Payload) Retain() {
	if pl == nil {
		return
	}
	pl.refs.Add(1)
}

// Release decrements pl's reference count via its owning pool, returning the
// buffer to it once the count reaches zero. Convenience wrapper around
// Pool.Release for callers that only hold the Payload, not the Pool (the
// ingress adapter and the recording handler, once a message has been
// durably written or dropped).
func (pl *Payload) Release() error {
	if pl == nil {
		return nil
	}
	return pl.owner.Release(pl)
}

// Release decrements the reference count, returning the buffer to its pool
// once the count reaches zero. Releasing a payload that is not owned by p
// is a precondition violation and returns an InconsistencyError.
func (p *Pool) Release(pl *Payload) error {
	if pl == nil {
		return nil
	}
	if pl.owner != p {
		return rerrors.NewInconsistencyError("payload.release", nil)
	}
	if pl.refs.Add(-1) > 0 {
		return nil
	}
	if pl.class >= 0 {
		class := &p.pools[pl.class]
		full := pl.buf[:cap(pl.buf)]
		clear(full)
		class.pool.Put(full)
	}
	pl.buf = nil
	return nil
}
