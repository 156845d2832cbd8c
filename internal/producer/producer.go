// Package producer defines the artifact producer contract and the
// registry the dispatcher resolves producers from, keyed by job kind.
package producer

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"artifactd/internal/schedule"
)

// Request carries everything a producer needs for one run.
type Request struct {
	Schedule *schedule.Definition
	RunID    string
	Format   schedule.Format
	Params   json.RawMessage
	// Since is the incremental cutoff supplied by the dispatcher: the
	// finish time of the schedule's last completed run, nil on first run.
	Since *time.Time
	Now   time.Time
}

// Producer builds one artifact payload. Implementations stream into w;
// errors should be marked transient or permanent via the schedule
// package so the engine retries appropriately.
type Producer interface {
	Kind() schedule.JobKind
	Produce(ctx context.Context, req Request, w io.Writer) error
}

// Registry maps job kinds to producers.
type Registry struct {
	mu sync.RWMutex
	m  map[schedule.JobKind]Producer
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[schedule.JobKind]Producer)}
}

// Register adds p, replacing any producer already bound to its kind.
func (r *Registry) Register(p Producer) {
	r.mu.Lock()
	r.m[p.Kind()] = p
	r.mu.Unlock()
}

// Get resolves the producer for kind.
func (r *Registry) Get(kind schedule.JobKind) (Producer, error) {
	r.mu.RLock()
	p, ok := r.m[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, schedule.MarkPermanent(errors.Newf("no producer registered for kind %q", kind))
	}
	return p, nil
}

// Kinds returns the registered kinds, for diagnostics.
func (r *Registry) Kinds() []schedule.JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schedule.JobKind, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	return out
}
