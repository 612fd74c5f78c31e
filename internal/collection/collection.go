// Package collection holds the client-side working set of jobs: an ordered
// sequence unique by identifier, mutated only through idempotent merge
// operations so that push events and poll results may arrive in any order.
package collection

import (
	"jobdeck/internal/model"
)

// Mutation identifies the last operation applied to a Collection.
type Mutation string

const (
	MutationNone    Mutation = ""
	MutationReplace Mutation = "replace"
	MutationPrepend Mutation = "prepend"
	MutationUpsert  Mutation = "upsert"
	MutationDelete  Mutation = "delete"
)

// Collection is not safe for concurrent use. It is owned by a single
// goroutine (the supervisor loop).
type Collection struct {
	jobs  []model.Job
	index map[string]int

	rejectStale bool

	last      Mutation
	prepended int
}

// New creates an empty collection. With rejectStale set, an upsert whose
// UpdatedAt is older than the held record's is ignored.
func New(rejectStale bool) *Collection {
	return &Collection{
		index:       make(map[string]int),
		rejectStale: rejectStale,
	}
}

// Replace discards the current contents and installs jobs as the whole
// collection. Records without an ID and repeated IDs are dropped; a repeated
// ID merges into its first occurrence.
func (c *Collection) Replace(jobs []model.Job) {
	c.jobs = make([]model.Job, 0, len(jobs))
	c.index = make(map[string]int, len(jobs))
	for _, job := range jobs {
		if job.ID == "" {
			continue
		}
		if i, ok := c.index[job.ID]; ok {
			c.jobs[i] = c.jobs[i].Merge(job)
			continue
		}
		c.index[job.ID] = len(c.jobs)
		c.jobs = append(c.jobs, job)
	}
	c.mark(MutationReplace, 0)
}

// PrependOlder places a chunk of older jobs, oldest first, at the head of the
// collection. Jobs already present are skipped. It returns how many were
// added.
func (c *Collection) PrependOlder(older []model.Job) int {
	seen := make(map[string]bool, len(older))
	head := make([]model.Job, 0, len(older))
	for _, job := range older {
		if job.ID == "" || seen[job.ID] {
			continue
		}
		if _, ok := c.index[job.ID]; ok {
			continue
		}
		seen[job.ID] = true
		head = append(head, job)
	}
	if len(head) == 0 {
		return 0
	}

	c.jobs = append(head, c.jobs...)
	c.reindex()
	c.mark(MutationPrepend, len(head))
	return len(head)
}

// Upsert merges job into the record with the same ID in place, or appends it
// at the tail when the ID is new. It reports whether the collection changed.
func (c *Collection) Upsert(job model.Job) bool {
	if job.ID == "" {
		return false
	}
	if i, ok := c.index[job.ID]; ok {
		held := c.jobs[i]
		if c.rejectStale && isStale(held, job) {
			return false
		}
		c.jobs[i] = held.Merge(job)
		c.mark(MutationUpsert, 0)
		return true
	}
	c.index[job.ID] = len(c.jobs)
	c.jobs = append(c.jobs, job)
	c.mark(MutationUpsert, 0)
	return true
}

// Delete removes the job with the given ID. Unknown IDs are a no-op.
func (c *Collection) Delete(id string) bool {
	i, ok := c.index[id]
	if !ok {
		return false
	}
	c.jobs = append(c.jobs[:i], c.jobs[i+1:]...)
	delete(c.index, id)
	c.reindex()
	c.mark(MutationDelete, 0)
	return true
}

// Get returns the job with the given ID.
func (c *Collection) Get(id string) (model.Job, bool) {
	i, ok := c.index[id]
	if !ok {
		return model.Job{}, false
	}
	return c.jobs[i], true
}

// Len returns the number of jobs held.
func (c *Collection) Len() int {
	return len(c.jobs)
}

// Jobs returns a copy of the jobs in collection order.
func (c *Collection) Jobs() []model.Job {
	out := make([]model.Job, len(c.jobs))
	copy(out, c.jobs)
	return out
}

// IDs returns the identifiers in collection order.
func (c *Collection) IDs() []string {
	out := make([]string, len(c.jobs))
	for i, job := range c.jobs {
		out[i] = job.ID
	}
	return out
}

// LastMutation returns the kind of the last applied mutation and, for
// prepends, how many records were placed at the head.
func (c *Collection) LastMutation() (Mutation, int) {
	return c.last, c.prepended
}

// Settle forgets the last mutation once it has been projected, so later
// projections that change nothing in the collection carry no scroll hint.
func (c *Collection) Settle() {
	c.mark(MutationNone, 0)
}

func (c *Collection) mark(m Mutation, prepended int) {
	c.last = m
	c.prepended = prepended
}

func (c *Collection) reindex() {
	for i, job := range c.jobs {
		c.index[job.ID] = i
	}
}

func isStale(held, incoming model.Job) bool {
	if held.UpdatedAt == nil || incoming.UpdatedAt == nil {
		return false
	}
	return incoming.UpdatedAt.Before(*held.UpdatedAt)
}
