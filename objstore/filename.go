package objstore

import (
	"fmt"

	"github.com/vecrt/vecrt/vecerr"
)

// objectFileName encodes a Key into a stable, greppable filename:
// vecrt--<compilationHash>--<symbolHash>.so
func objectFileName(key Key) string {
	return fmt.Sprintf("vecrt--%016x--%016x.so", key.CompilationHash, key.SymbolHash)
}

// parseObjectFileName decodes what objectFileName produced, used by
// PreloadDir to recover a Key from a file it finds on disk.
func parseObjectFileName(name string, out *Key) (Key, error) {
	var compHash, symHash uint64
	n, err := fmt.Sscanf(name, "vecrt--%016x--%016x.so", &compHash, &symHash)
	if err != nil || n != 2 {
		return Key{}, vecerr.New(vecerr.KindInvalidView, "objstore: unrecognized object filename "+name)
	}
	out.CompilationHash = compHash
	out.SymbolHash = symHash
	return *out, nil
}
