// Package registry persists the peer registry: known-but-not-necessarily-
// connected peers keyed by (host, p2p_port), each carrying a cached header
// and a stabilizer-maintained score. It is a typed, directly-marshalable
// store, persisted as YAML to a single file path.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Header mirrors transport.Header's shape without importing the transport
// package, so registry stays a leaf dependency.
type Header struct {
	Name      string            `yaml:"name"`
	P2PPort   int               `yaml:"p2p_port"`
	P2PAccept bool              `yaml:"p2p_accept"`
	Extra     map[string]string `yaml:"extra,omitempty"`
}

// Endpoint is the (host, p2p_port) registry key.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Record is the persisted {header, score} value.
type Record struct {
	Header Header `yaml:"header"`
	Score  int    `yaml:"score"`
}

// onDiskEntry is the flattened shape written to peer.dat: YAML mappings key
// on strings, so the (host, port) tuple key is serialized as its own field
// rather than as a map key.
type onDiskEntry struct {
	Endpoint Endpoint `yaml:"endpoint"`
	Record   Record   `yaml:"record"`
}

// Registry is the in-memory, mutex-guarded peer table with Load/Save
// against a single peer.dat path.
type Registry struct {
	path string

	mu      sync.Mutex
	records map[Endpoint]Record
}

// New creates a Registry bound to path without touching disk; call Load to
// populate it from an existing file.
func New(path string) *Registry {
	return &Registry{path: path, records: make(map[Endpoint]Record)}
}

// Load reads path, if it exists, into memory. A missing file is not an
// error — it simply leaves the registry empty.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", r.path, err)
	}

	var entries []onDiskEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("registry: parse %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[Endpoint]Record, len(entries))
	for _, e := range entries {
		r.records[e.Endpoint] = e.Record
	}
	return nil
}

// Save rewrites the registry file atomically (write to a temp file, then
// rename) so a rewrite never leaves a half-written file behind, even if the
// caller persists on a periodic timer.
func (r *Registry) Save() error {
	r.mu.Lock()
	entries := make([]onDiskEntry, 0, len(r.records))
	for ep, rec := range r.records {
		entries = append(entries, onDiskEntry{Endpoint: ep, Record: rec})
	}
	r.mu.Unlock()

	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".peer-*.dat.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("registry: rename into place: %w", err)
	}
	return nil
}

// Get returns the record for ep, if known.
func (r *Registry) Get(ep Endpoint) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[ep]
	return rec, ok
}

// Put stores or overwrites the record for ep.
func (r *Registry) Put(ep Endpoint, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[ep] = rec
}

// Delete removes ep from the registry.
func (r *Registry) Delete(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, ep)
}

// Len reports the number of known peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot returns a copy of the full registry, safe for the caller to
// range over without holding any lock.
func (r *Registry) Snapshot() map[Endpoint]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Endpoint]Record, len(r.records))
	for k, v := range r.records {
		out[k] = v
	}
	return out
}
