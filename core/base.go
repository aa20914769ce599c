package core

import (
	"sync"
	"sync/atomic"

	"github.com/vecrt/vecrt/vecerr"
)

// Base is a flat, untyped allocation of NElem elements of DType. It never
// carries shape or stride information; every access to a Base happens
// through a View, so any number of Views (not just a fixed pair of
// double-buffered slots) can alias one Base.
type Base struct {
	ID    uint64
	DType DType
	NElem int64
	Data  []byte

	refcount int32
}

var baseIDs uint64

func nextBaseID() uint64 { return atomic.AddUint64(&baseIDs, 1) }

// NewBase allocates a Base of n elements of the given dtype, backed by a
// freshly zeroed byte slice. Callers that want victimcache-backed reuse
// should go through victimcache.Alloc and wrap the result with WrapBase.
func NewBase(dtype DType, n int64) (*Base, error) {
	if n < 0 {
		return nil, vecerr.New(vecerr.KindInvalidShape, "negative element count")
	}
	sz := dtype.Size()
	if sz == 0 {
		return nil, vecerr.New(vecerr.KindTypeNotSupported, dtype.String())
	}
	byteLen := n * sz
	data := AlignedBytes(int(AlignedSize(uintptr(byteLen))))
	if data != nil {
		data = data[:byteLen:byteLen]
	}
	return &Base{
		ID:       nextBaseID(),
		DType:    dtype,
		NElem:    n,
		Data:     data,
		refcount: 1,
	}, nil
}

// WrapBase adapts externally allocated bytes (e.g. from victimcache) into a
// Base without copying.
func WrapBase(dtype DType, n int64, data []byte) *Base {
	return &Base{ID: nextBaseID(), DType: dtype, NElem: n, Data: data, refcount: 1}
}

// Retain increments the reference count; Release decrements it and reports
// whether this was the final reference, at which point the caller (usually
// the engine) is responsible for returning Data to the allocator.
func (b *Base) Retain() { atomic.AddInt32(&b.refcount, 1) }

func (b *Base) Release() (last bool) {
	return atomic.AddInt32(&b.refcount, -1) == 0
}

// ElemSize returns the element size of Data's dtype, i.e. len(Data)/NElem.
func (b *Base) ElemSize() int64 { return b.DType.Size() }

// BasePool recycles Base struct headers (not the backing Data, which
// victimcache owns) across many small allocations, so a batch that
// creates and frees thousands of temporaries per second doesn't churn
// the Go allocator on the header alone.
var BasePool = sync.Pool{
	New: func() interface{} { return &Base{} },
}

// GetBase returns a zeroed Base header from the pool.
func GetBase() *Base {
	b := BasePool.Get().(*Base)
	*b = Base{}
	return b
}

// PutBase returns a Base header to the pool. The caller must have already
// released Data back to its allocator.
func PutBase(b *Base) {
	b.Data = nil
	BasePool.Put(b)
}
