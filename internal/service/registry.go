package service

import (
	"sync"
)

// Registry holds the jobs which are not finished yet, at most one per
// fingerprint. Lock order is registry, then job.
type Registry struct {
	mx   sync.Mutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
	}
}

// Attach subscribes to the job of fp. When there is none, create is called
// and its result registered. created reports which case happened.
func (r *Registry) Attach(fp string, create func() *Job) (job *Job, sub *Subscription, created bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	job, ok := r.jobs[fp]
	if !ok {
		job = create()
		r.jobs[fp] = job
	}
	return job, job.subscribe(), !ok
}

// Get returns the job registered for fp or nil.
func (r *Registry) Get(fp string) *Job {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.jobs[fp]
}

func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.jobs)
}

// finish unregisters job and delivers its terminal message in one step, so
// nobody can attach to a job which has already ended.
func (r *Registry) finish(job *Job, state State, msg string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if err := job.terminate(state, msg); err != nil {
		return err
	}
	if r.jobs[job.fingerprint] == job {
		delete(r.jobs, job.fingerprint)
	}
	return nil
}

// idle runs fn while no job is registered for fp and holds the registry until
// fn returns. It reports whether fn was called.
func (r *Registry) idle(fp string, fn func()) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.jobs[fp]; ok {
		return false
	}
	fn()
	return true
}
