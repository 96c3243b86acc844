package actor

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Actor is a tracked caller of the audit ingest surface. Actors are
// identified by the ID from their Context and accumulate stats over their
// lifetime.
type Actor struct {
	ID         string     `yaml:"-" json:"id"`
	FirstSeen  time.Time  `yaml:"first_seen" json:"first_seen"`
	LastSeen   time.Time  `yaml:"last_seen" json:"last_seen"`
	LastRemote string     `yaml:"last_remote,omitempty" json:"last_remote,omitempty"`
	Stats      ActorStats `yaml:"stats" json:"stats"`
}

// ActorStats holds cumulative counters for an actor's activity.
type ActorStats struct {
	Appends       uint64 `yaml:"appends" json:"appends"`
	FailedAppends uint64 `yaml:"failed_appends" json:"failed_appends"`
	LastSeq       uint64 `yaml:"last_seq" json:"last_seq"`
}

// Registry manages the set of known actors and their stats.
// Thread-safe; HTTP handlers record appends concurrently.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Actor
	path   string // Path to actors.yaml for persistence.
	now    func() time.Time
}

// registryFile is the YAML envelope for actors.yaml.
type registryFile struct {
	Actors map[string]*Actor `yaml:"actors"`
}

// NewRegistry loads the actor registry from the given YAML file path.
// If the file doesn't exist, returns an empty registry (not an error).
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		actors: make(map[string]*Actor),
		path:   path,
		now:    time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading actor registry %s: %w", path, err)
	}
	if len(data) == 0 {
		return r, nil
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing actor registry %s: %w", path, err)
	}

	// The ID lives in the map key, not the YAML value.
	for id, a := range file.Actors {
		if a == nil {
			continue
		}
		a.ID = id
		r.actors[id] = a
	}

	slog.Info("actor registry loaded", "actors", len(r.actors), "path", path)
	return r, nil
}

// List returns all known actors, sorted by ID.
func (r *Registry) List() []Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actors := make([]Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, *a)
	}
	sort.Slice(actors, func(i, j int) bool {
		return actors[i].ID < actors[j].ID
	})
	return actors
}

// Get returns the actor with the given ID, or an error if not found.
func (r *Registry) Get(id string) (Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actors[id]
	if !ok {
		return Actor{}, fmt.Errorf("actor %q not found", id)
	}
	return *a, nil
}

// RecordAppend notes a committed append at seq by c, registering the actor
// on first sight.
func (r *Registry) RecordAppend(c Context, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.touch(c)
	a.Stats.Appends++
	a.Stats.LastSeq = seq
}

// RecordFailure notes an append by c that committed nothing.
func (r *Registry) RecordFailure(c Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.touch(c).Stats.FailedAppends++
}

// touch must be called with r.mu held.
func (r *Registry) touch(c Context) *Actor {
	now := r.now().UTC()
	a, ok := r.actors[c.ID]
	if !ok {
		a = &Actor{ID: c.ID, FirstSeen: now}
		r.actors[c.ID] = a
		slog.Info("new actor registered", "actor", c.ID, "remote", c.Remote)
	}
	a.LastSeen = now
	if c.Remote != "" {
		a.LastRemote = c.Remote
	}
	return a
}

// Save persists the current registry state to actors.yaml.
// Called on graceful shutdown to avoid losing in-memory stats.
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	file := registryFile{Actors: r.actors}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling actor registry: %w", err)
	}

	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("writing actor registry %s: %w", r.path, err)
	}
	return nil
}
