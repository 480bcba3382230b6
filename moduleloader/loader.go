// Package moduleloader implements the gateway's plugin boundary: a named
// registry of module objects, each exposing Version() and an optional
// Init() hook, discovered along a search path rooted at the process's
// working directory, then $MAXSCALE_HOME/modules, then a compiled-in
// default — mirroring the original dynamic-linking loader's search order,
// but via static Go-native registration rather than dlopen, since a
// normal Go binary has no portable load-library-by-name primitive.
package moduleloader

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/pelletier/go-toml"
)

// Module is the contract every plugin implementation satisfies.
type Module interface {
	// Version reports the module's own version string.
	Version() string
}

// Initializer is implemented by modules that need one-time setup; Init is
// called at most once, inside Register, before the module is added.
type Initializer interface {
	Init() error
}

// Manifest is the parsed form of a module's module.toml descriptor.
type Manifest struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"`
	Version      string   `toml:"version"`
	Capabilities []string `toml:"capabilities"`
}

type entry struct {
	module   Module
	typeName string
	manifest *Manifest
}

// Registry is a single-writer-at-startup, read-only-after map from module
// name to its registered object, keyed by an xxhash of the name for lookup.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint64]*entry
	sealed  bool
}

// NewRegistry returns an empty, writable Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint64]*entry)}
}

func key(name string) uint64 {
	h := xxhash.New64()
	h.Write([]byte(name))
	return h.Sum64()
}

// Register adds module under name. It returns an error if the registry has
// already been Seal()ed, or if name is already registered. If module
// implements Initializer, Init() runs synchronously before Register
// returns; a failing Init aborts the registration.
func (r *Registry) Register(name, typeName string, module Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("moduleloader: registry sealed, cannot register %q", name)
	}
	k := key(name)
	if _, exists := r.entries[k]; exists {
		return fmt.Errorf("moduleloader: module %q already registered", name)
	}
	if init, ok := module.(Initializer); ok {
		if err := init.Init(); err != nil {
			return fmt.Errorf("moduleloader: init %q: %w", name, err)
		}
	}
	r.entries[k] = &entry{module: module, typeName: typeName}
	return nil
}

// Seal freezes the registry: after Seal, Register fails and the registry is
// safe to read concurrently without a lock, matching the spec's
// write-once-at-init / immutable-snapshot-after requirement.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the module registered under name, or (nil, false).
func (r *Registry) Lookup(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key(name)]
	if !ok {
		return nil, false
	}
	return e.module, true
}

// Unregister removes name from the registry. It is a no-op once Seal has
// been called.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	delete(r.entries, key(name))
}

// searchPaths returns the module.toml search path in the same priority
// order the original loader used for shared objects: the current working
// directory first, then $MAXSCALE_HOME/modules, then a compiled-in default.
func searchPaths(moduleName string) []string {
	fname := "module.toml"
	paths := []string{filepath.Join(".", fname)}

	if home := os.Getenv("MAXSCALE_HOME"); home != "" {
		paths = append(paths, filepath.Join(home, "modules", moduleName, fname))
		paths = append(paths, filepath.Join(home, "modules", fname))
	}
	const defaultHome = "/usr/local/mxgateway"
	paths = append(paths, filepath.Join(defaultHome, "modules", moduleName, fname))
	paths = append(paths, filepath.Join(defaultHome, "modules", fname))

	return paths
}

// FindManifest searches the module search path for moduleName's module.toml
// and parses it. It returns (nil, nil) — not an error — if no manifest file
// is found on any path component; a missing manifest just means the
// registered Go-native default for that name is used as-is.
func FindManifest(moduleName string) (*Manifest, error) {
	for _, path := range searchPaths(moduleName) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m Manifest
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("moduleloader: parse %s: %w", path, err)
		}
		return &m, nil
	}
	return nil, nil
}
