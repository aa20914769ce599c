package objstore

/*
#cgo LDFLAGS: -ldl

#include <dlfcn.h>
#include <stdlib.h>

typedef void (*vecrt_entry_fn)(void **args);

static void vecrt_invoke(void *fn, void **args) {
	((vecrt_entry_fn)fn)(args);
}
*/
import "C"

import (
	"runtime"
	"unsafe"

	"github.com/vecrt/vecrt/vecerr"
)

// DLOpenLoader loads a compiled shared object the way its actual producer
// (CCCompiler, a bare `cc -shared -fPIC` invocation) needs: via dlopen and
// dlsym directly, rather than through the standard library's plugin
// package, which only ever accepts objects `go build -buildmode=plugin`
// itself produced. The resolved symbol is a raw C function pointer, not a
// Go func value, so Lookup wraps it in a small cgo trampoline
// (vecrt_invoke) that turns a `void*` plus a `void**` into the call
// EntryFunc promises.
type DLOpenLoader struct{}

func (DLOpenLoader) Open(path string) (Handle, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	h := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_LOCAL)
	if h == nil {
		return nil, vecerr.New(vecerr.KindComponentLoad, "dlopen "+path+": "+dlerror())
	}
	return dlHandle{h: h, path: path}, nil
}

type dlHandle struct {
	h    unsafe.Pointer
	path string
}

func (d dlHandle) Lookup(symbol string) (interface{}, error) {
	csym := C.CString(symbol)
	defer C.free(unsafe.Pointer(csym))

	C.dlerror() // clear any prior error before probing, per dlsym's contract
	fnptr := C.dlsym(d.h, csym)
	if msg := dlerror(); msg != "" {
		return nil, vecerr.New(vecerr.KindComponentLoad, "dlsym "+symbol+" in "+d.path+": "+msg)
	}
	if fnptr == nil {
		return nil, vecerr.New(vecerr.KindComponentLoad, "dlsym "+symbol+" in "+d.path+": symbol not found")
	}

	// args (and the Base-owned byte slices its entries point into) are Go
	// memory; cgo forbids handing C a Go pointer to Go memory that itself
	// holds Go pointers unless every level is pinned for the call's
	// duration, so every entry plus the backing array itself gets pinned
	// here rather than relying on the call happening to be short enough
	// for the garbage collector to never move anything mid-call.
	var fn EntryFunc = func(args []unsafe.Pointer) {
		if len(args) == 0 {
			C.vecrt_invoke(fnptr, nil)
			return
		}
		var pinner runtime.Pinner
		defer pinner.Unpin()
		for _, p := range args {
			if p != nil {
				pinner.Pin(p)
			}
		}
		pinner.Pin(&args[0])
		C.vecrt_invoke(fnptr, (*unsafe.Pointer)(unsafe.Pointer(&args[0])))
	}
	return fn, nil
}

func dlerror() string {
	msg := C.dlerror()
	if msg == nil {
		return ""
	}
	return C.GoString(msg)
}
