// Package config implements the typed configuration surface every vecrt
// component reads from: string, bool, int-with-bounds, double, and path
// accessors resolved env-var-first, config-file-second, exactly the
// precedence order components are contracted to honor.
//
// Built on os.Getenv plus a small key=value file reader rather than a
// third-party configuration library (see DESIGN.md), in the same plain
// style as the other small standard-library utility files in this repo
// (core/align.go, core/layout.go).
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/vecrt/vecrt/vecerr"
)

// Namespace scopes a set of keys under a component name, e.g. "vecrt.cpu".
// Env lookups upper-case and underscore the namespaced key
// ("vecrt.cpu.workers" -> "VECRT_CPU_WORKERS"); file lookups use the
// namespaced key verbatim.
type Namespace struct {
	prefix string
	file   map[string]string
}

// Load reads a namespace's keys from an optional config file (key=value
// per line, '#' comments, blank lines skipped) plus the environment. A
// missing file is not an error: env vars alone may fully configure a
// component.
func Load(namespace, path string) (*Namespace, error) {
	ns := &Namespace{prefix: namespace, file: map[string]string{}}
	if path == "" {
		return ns, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ns, nil
		}
		return nil, vecerr.Wrapf(vecerr.KindConfig, err, "open config file %q", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, vecerr.New(vecerr.KindConfig, "malformed line in "+path+": "+line)
		}
		ns.file[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, vecerr.Wrapf(vecerr.KindConfig, err, "read config file %q", path)
	}
	return ns, nil
}

func (n *Namespace) key(name string) string   { return n.prefix + "." + name }
func (n *Namespace) envKey(name string) string {
	full := n.key(name)
	full = strings.ToUpper(full)
	return strings.NewReplacer(".", "_", "-", "_").Replace(full)
}

func (n *Namespace) lookup(name string) (string, bool) {
	if v, ok := os.LookupEnv(n.envKey(name)); ok {
		return v, true
	}
	if v, ok := n.file[n.key(name)]; ok {
		return v, true
	}
	return "", false
}

// String returns the configured string value or def if unset.
func (n *Namespace) String(name, def string) string {
	if v, ok := n.lookup(name); ok {
		return v
	}
	return def
}

// Bool returns the configured boolean value or def if unset/unparsable.
func (n *Namespace) Bool(name string, def bool) bool {
	v, ok := n.lookup(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int returns the configured integer value clamped to [min, max]. If the
// value is unset or fails to parse, def is returned unclamped.
func (n *Namespace) Int(name string, def, min, max int) int {
	v, ok := n.lookup(name)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if i < min {
		return min
	}
	if i > max {
		return max
	}
	return i
}

// Double returns the configured floating-point value or def if unset.
func (n *Namespace) Double(name string, def float64) float64 {
	v, ok := n.lookup(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Path returns the configured filesystem path or def if unset. Unlike
// String it does not otherwise validate the path exists; callers that
// require existence should stat it themselves and raise a ComponentLoadError.
func (n *Namespace) Path(name, def string) string {
	return n.String(name, def)
}
