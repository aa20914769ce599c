// Package objstore implements compile/link/store: given generated C
// source keyed by (compilationHash, symbolHash), it invokes a configured
// C compiler, opens the resulting shared object, and caches the resolved
// entry point so a later request for the same key never touches the
// filesystem or a subprocess again.
//
// Loading reads a binary file, validates a header, and reconstructs a
// live in-memory structure — here, a compiled .so rather than a model
// file — and reuses fusioncache's temp-file-then-rename atomic write so a
// concurrent compile of the same key never races another goroutine's
// partially written .so.
package objstore

import (
	"os"
	"os/exec"
	"path/filepath"
	"plugin"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/vecrt/vecrt/vecerr"
)

// Key identifies one compiled object: the structural hash of the source
// (compilationHash) plus the hash of the symbol table that source was
// generated against (symbolHash) — two kernels with identical source but
// different operand bindings still need distinct entry points if their
// argument order differs.
type Key struct {
	CompilationHash uint64
	SymbolHash      uint64
}

// EntryFunc is the resolved compiled kernel: args is indexed by
// symtab.Symbol.ID exactly as codegen.Emitter's `void **args` parameter
// is, one unsafe.Pointer per interned symbol (nil for symbols contracted
// into local scalars, which the generated code never reads back out of
// args).
type EntryFunc = func(args []unsafe.Pointer)

// Compiler abstracts the external toolchain invocation so tests can stub
// it out; the production implementation shells out to a real C compiler
// via os/exec rather than reimplementing one in Go.
type Compiler interface {
	// CompileToSharedObject compiles src (C source text) into a shared
	// object at outPath.
	CompileToSharedObject(src, outPath string) error
}

// CCCompiler shells out to a configured C compiler binary (default "cc")
// with the flags needed to produce a position-independent shared object.
type CCCompiler struct {
	Bin   string
	Flags []string
}

func (c CCCompiler) CompileToSharedObject(src, outPath string) error {
	bin := c.Bin
	if bin == "" {
		bin = "cc"
	}
	dir := filepath.Dir(outPath)
	srcPath := filepath.Join(dir, uuid.NewString()+".c")
	if err := os.WriteFile(srcPath, []byte(src), 0o644); err != nil {
		return vecerr.Wrapf(vecerr.KindCompile, err, "write source to %q", srcPath)
	}
	defer os.Remove(srcPath)

	args := append([]string{"-shared", "-fPIC", "-O2"}, c.Flags...)
	args = append(args, "-o", outPath, srcPath)
	cmd := exec.Command(bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		klog.V(2).Infof("objstore: compile failed, source follows:\n%s", src)
		return vecerr.Wrapf(vecerr.KindCompile, err, "compile %q: %s", srcPath, string(output))
	}
	return nil
}

// Loader abstracts opening a compiled shared object and resolving a
// symbol, so tests can stub in a fake without dlopen'ing anything.
type Loader interface {
	Open(path string) (Handle, error)
}

// Handle is an opened shared object.
type Handle interface {
	Lookup(symbol string) (interface{}, error)
}

// PluginLoader uses the standard plugin package, which only ever loads
// objects `go build -buildmode=plugin` produced. CCCompiler shells out to
// a bare `cc -shared`, so its output is never a Go plugin and
// plugin.Open on it always fails; PluginLoader survives only for tests
// that supply their own Go-built .so, or a future Compiler that actually
// invokes the Go toolchain in plugin mode. Production engines default to
// DLOpenLoader instead.
type PluginLoader struct{}

func (PluginLoader) Open(path string) (Handle, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return pluginHandle{p}, nil
}

type pluginHandle struct{ p *plugin.Plugin }

func (h pluginHandle) Lookup(symbol string) (interface{}, error) {
	sym, err := h.p.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return sym, nil
}

// Store is the compile/link/store object cache. Debug controls whether
// source is retained on disk under Dir after compilation (named via
// uuid.NewString() so concurrent compiles never collide).
type Store struct {
	Dir      string
	Compiler Compiler
	Loader   Loader
	Debug    bool

	mu      sync.Mutex
	cache   map[Key]EntryFunc
	pending map[Key]*sync.WaitGroup
}

// New builds a Store rooted at dir using compiler and loader.
func New(dir string, compiler Compiler, loader Loader) *Store {
	return &Store{
		Dir:      dir,
		Compiler: compiler,
		Loader:   loader,
		cache:    map[Key]EntryFunc{},
		pending:  map[Key]*sync.WaitGroup{},
	}
}

// EntrySymbolName is the well-known exported symbol every generated
// object must define, and the name the code generator gives the C
// function it emits so the two always agree without a separate mapping.
const EntrySymbolName = "VecrtEntry"

// PreloadDir walks Dir for already-compiled .so files matching the
// key-encoded filename convention and populates the in-memory cache with
// their resolved entry points, so a long-running engine process pays the
// dlopen cost once at startup for objects a previous run already built.
func (s *Store) PreloadDir() error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return vecerr.Wrapf(vecerr.KindComponentLoad, err, "read object store dir %q", s.Dir)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".so" {
			continue
		}
		var key Key
		if _, err := parseObjectFileName(de.Name(), &key); err != nil {
			continue
		}
		handle, err := s.Loader.Open(filepath.Join(s.Dir, de.Name()))
		if err != nil {
			klog.V(2).Infof("objstore: skip unloadable %s: %v", de.Name(), err)
			continue
		}
		fn, err := resolveEntry(handle)
		if err != nil {
			klog.V(2).Infof("objstore: skip %s: %v", de.Name(), err)
			continue
		}
		s.cache[key] = fn
	}
	return nil
}

// GetOrCompile returns the cached entry point for key, compiling src on a
// miss. Concurrent callers requesting the same key block on the first
// caller's compile rather than compiling redundantly.
func (s *Store) GetOrCompile(key Key, src string) (EntryFunc, error) {
	s.mu.Lock()
	if fn, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return fn, nil
	}
	if wg, ok := s.pending[key]; ok {
		s.mu.Unlock()
		wg.Wait()
		s.mu.Lock()
		fn, ok := s.cache[key]
		s.mu.Unlock()
		if !ok {
			return nil, vecerr.New(vecerr.KindCompile, "compile of key failed on another goroutine")
		}
		return fn, nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	s.pending[key] = wg
	s.mu.Unlock()

	fn, err := s.compile(key, src)

	s.mu.Lock()
	if err == nil {
		s.cache[key] = fn
	}
	delete(s.pending, key)
	s.mu.Unlock()
	wg.Done()
	return fn, err
}

func (s *Store) compile(key Key, src string) (EntryFunc, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, vecerr.Wrapf(vecerr.KindComponentLoad, err, "create object store dir %q", s.Dir)
	}
	finalPath := filepath.Join(s.Dir, objectFileName(key))
	tmpPath := finalPath + ".tmp-" + uuid.NewString()

	if err := s.Compiler.CompileToSharedObject(src, tmpPath); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, vecerr.Wrapf(vecerr.KindCompile, err, "rename compiled object to %q", finalPath)
	}
	if s.Debug {
		debugSrc := filepath.Join(s.Dir, "debug-"+uuid.NewString()+".c")
		_ = os.WriteFile(debugSrc, []byte(src), 0o644)
	}

	handle, err := s.Loader.Open(finalPath)
	if err != nil {
		return nil, vecerr.Wrapf(vecerr.KindCompile, err, "open compiled object %q", finalPath)
	}
	return resolveEntry(handle)
}

func resolveEntry(handle Handle) (EntryFunc, error) {
	sym, err := handle.Lookup(EntrySymbolName)
	if err != nil {
		return nil, vecerr.Wrapf(vecerr.KindCompile, err, "resolve symbol %q", EntrySymbolName)
	}
	fn, ok := sym.(EntryFunc)
	if !ok {
		if fnp, ok := sym.(*EntryFunc); ok {
			return *fnp, nil
		}
		return nil, vecerr.New(vecerr.KindCompile, "resolved symbol has unexpected type")
	}
	return fn, nil
}
