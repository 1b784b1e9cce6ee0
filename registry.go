package partclaim

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
)

// ErrJobExists is returned when starting a job whose identity is already active.
var ErrJobExists = errors.New("job already active")

// DefaultCompletedJobCacheSize bounds how many finished job identities a
// Registry remembers.
const DefaultCompletedJobCacheSize = 1024

type jobKey struct {
	name  string
	jobID string
}

// Registry is an in-memory JobRegistry that also manages job lifecycle on the
// local member.
type Registry struct {
	mu   sync.RWMutex
	jobs map[jobKey]*JobSupervisor

	// identities of jobs that completed or were cancelled
	finished *lru.Cache
}

// NewRegistry creates an empty registry remembering up to completedCacheSize
// finished jobs.
func NewRegistry(completedCacheSize int) *Registry {
	if completedCacheSize <= 0 {
		completedCacheSize = DefaultCompletedJobCacheSize
	}
	finished, err := lru.New(completedCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size
		panic(err)
	}
	return &Registry{
		jobs:     make(map[jobKey]*JobSupervisor),
		finished: finished,
	}
}

// StartJob registers a supervisor for a new job with partitionCount partitions.
func (r *Registry) StartJob(name, jobID string, partitionCount int) (*JobSupervisor, error) {
	if partitionCount <= 0 {
		return nil, fmt.Errorf("job %s/%s: partition count must be positive, got %d", name, jobID, partitionCount)
	}
	key := jobKey{name, jobID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[key]; exists {
		return nil, fmt.Errorf("job %s/%s: %w", name, jobID, ErrJobExists)
	}
	supervisor := newJobSupervisor(name, jobID, partitionCount)
	r.jobs[key] = supervisor
	r.finished.Remove(key)

	log.WithFields(log.Fields{
		"job":        name,
		"jobID":      jobID,
		"partitions": partitionCount,
	}).Info("Started job supervisor")
	return supervisor, nil
}

// Lookup implements JobRegistry.
func (r *Registry) Lookup(name, jobID string) (Coordinator, bool) {
	supervisor, ok := r.Supervisor(name, jobID)
	if !ok {
		return nil, false
	}
	return supervisor, true
}

// Supervisor returns the supervisor of an active job.
func (r *Registry) Supervisor(name, jobID string) (*JobSupervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	supervisor, ok := r.jobs[jobKey{name, jobID}]
	return supervisor, ok
}

// CompleteJob drops the supervisor of a finished job. It reports whether the
// job was active.
func (r *Registry) CompleteJob(name, jobID string) bool {
	supervisor := r.remove(name, jobID)
	if supervisor == nil {
		return false
	}
	log.WithFields(log.Fields{"job": name, "jobID": jobID}).Info("Completed job")
	return true
}

// CancelJob marks all unfinished partitions of a job Cancelled and drops its
// supervisor. It reports whether the job was active.
func (r *Registry) CancelJob(name, jobID string) bool {
	supervisor := r.remove(name, jobID)
	if supervisor == nil {
		return false
	}
	supervisor.cancel()
	log.WithFields(log.Fields{"job": name, "jobID": jobID}).Warn("Cancelled job")
	return true
}

// RecentlyFinished reports whether the job completed or was cancelled
// recently on this member.
func (r *Registry) RecentlyFinished(name, jobID string) bool {
	return r.finished.Contains(jobKey{name, jobID})
}

// ActiveJobs returns the number of active jobs.
func (r *Registry) ActiveJobs() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) remove(name, jobID string) *JobSupervisor {
	key := jobKey{name, jobID}

	r.mu.Lock()
	defer r.mu.Unlock()

	supervisor, ok := r.jobs[key]
	if !ok {
		return nil
	}
	delete(r.jobs, key)
	r.finished.Add(key, struct{}{})
	return supervisor
}
