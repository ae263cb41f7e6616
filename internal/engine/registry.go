package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry is the set of live jobs keyed by id. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

func NewID() string {
	return uuid.NewString()
}

// Insert registers j. A job without an id gets a fresh one.
func (r *Registry) Insert(j *Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j.ID == "" {
		j.ID = NewID()
		for r.jobs[j.ID] != nil {
			j.ID = NewID()
		}
	}
	if _, exists := r.jobs[j.ID]; exists {
		return "", fmt.Errorf("job %q already registered", j.ID)
	}
	r.jobs[j.ID] = j
	return j.ID, nil
}

func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

func (r *Registry) Remove(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if ok {
		delete(r.jobs, id)
	}
	return j, ok
}

// List returns all jobs ordered by start time.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].StartedAt.Before(jobs[b].StartedAt)
	})
	return jobs
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
