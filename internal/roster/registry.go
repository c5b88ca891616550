// Package roster persists identity profiles to a single JSON file and keeps
// the in-memory copy consistent under concurrent session access.
package roster

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Registry is the durable mapping from identity key to Profile. All access
// goes through its methods; the backing map is never exposed. Mutations are
// persisted synchronously before the caller is told they succeeded.
type Registry struct {
	mu       sync.Mutex
	path     string
	filelock *flock.Flock
	profiles map[string]*Profile
}

// NewRegistry creates a registry backed by the JSON file at path. Call Load
// before serving traffic.
func NewRegistry(path string) *Registry {
	return &Registry{
		path:     path,
		filelock: flock.New(path + ".lock"),
		profiles: make(map[string]*Profile),
	}
}

// Load reads the durable store. A missing file starts the registry empty;
// unreadable or unparseable content is logged and also starts it empty.
// Startup never fails on store problems.
func (r *Registry) Load() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.filelock.Lock(); err != nil {
		log.Printf("Registry store %s: could not acquire file lock: %v; starting empty", r.path, err)
		return
	}
	defer func() {
		if err := r.filelock.Unlock(); err != nil {
			log.Printf("Registry store %s: releasing file lock: %v", r.path, err)
		}
	}()

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		log.Printf("Registry store %s not found; starting empty", r.path)
		return
	}
	if err != nil {
		log.Printf("Registry store %s unreadable: %v; starting empty", r.path, err)
		return
	}

	profiles := make(map[string]*Profile)
	if err := json.Unmarshal(data, &profiles); err != nil {
		log.Printf("Registry store %s corrupt: %v; starting empty", r.path, err)
		return
	}

	r.profiles = profiles
	log.Printf("Registry loaded %d profiles from %s", len(profiles), r.path)
}

// Upsert creates or updates the profile for identityKey and persists the
// registry. A new profile gets FirstSeenAt = LastSeenAt = now; an existing
// one keeps FirstSeenAt and LastPosition and takes the new display name,
// region, timezone, and LastSeenAt. The returned Profile is the resolved
// record; the error, if any, is a recoverable persistence failure — the
// in-memory update has still been applied.
func (r *Registry) Upsert(identityKey, displayName, region, timezone string, now time.Time) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[identityKey]
	if !ok {
		p = &Profile{
			IdentityKey: identityKey,
			FirstSeenAt: now,
		}
		r.profiles[identityKey] = p
	}
	p.DisplayName = displayName
	p.Region = region
	p.Timezone = timezone
	p.LastSeenAt = now

	return p.clone(), r.save()
}

// UpdatePosition overwrites the last known position for identityKey and
// persists. An unknown key is silently ignored and reported as false; this
// is not an error.
func (r *Registry) UpdatePosition(identityKey string, x, y, z float64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[identityKey]
	if !ok {
		return false, nil
	}
	p.LastPosition = &Position{X: x, Y: y, Z: z}

	return true, r.save()
}

// SnapshotAll returns a copy of every profile, sorted by identity key.
func (r *Registry) SnapshotAll() []Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IdentityKey < out[j].IdentityKey
	})
	return out
}

// save writes the full registry atomically: marshal, write a temp file in
// the same directory, then rename over the store. Callers hold r.mu.
func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	if err := r.filelock.Lock(); err != nil {
		return fmt.Errorf("lock registry store: %w", err)
	}
	defer func() {
		if err := r.filelock.Unlock(); err != nil {
			log.Printf("Registry store %s: releasing file lock: %v", r.path, err)
		}
	}()

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp store: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace registry store: %w", err)
	}
	return nil
}
