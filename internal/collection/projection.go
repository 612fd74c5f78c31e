package collection

import (
	"sort"

	"jobdeck/internal/model"
)

// Anchor tells the rendering layer how to keep its scroll position stable.
type Anchor struct {
	Prepended      bool `json:"prepended"`
	PrependedCount int  `json:"prependedCount"`
}

// Item is one projected job.
type Item struct {
	model.Job
	Pending bool `json:"pending,omitempty"`
}

// View is the read-only projection handed to consumers.
type View struct {
	Jobs      []Item `json:"jobs"`
	HasMore   bool   `json:"hasMore"`
	Anchor    Anchor `json:"anchor"`
	Transport string `json:"transport"`
	Status    string `json:"status,omitempty"`
	Version   uint64 `json:"version"`
}

// Less orders jobs by creation time ascending, ties broken by ID. Jobs
// without a creation time sort after every timestamped job, by ID.
func Less(a, b model.Job) bool {
	switch {
	case a.CreatedAt != nil && b.CreatedAt != nil:
		if !a.CreatedAt.Equal(*b.CreatedAt) {
			return a.CreatedAt.Before(*b.CreatedAt)
		}
		return a.ID < b.ID
	case a.CreatedAt != nil:
		return true
	case b.CreatedAt != nil:
		return false
	default:
		return a.ID < b.ID
	}
}

// SortChronological sorts jobs in place using Less.
func SortChronological(jobs []model.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return Less(jobs[i], jobs[j])
	})
}

// Project builds a View of c. pending marks jobs whose state came from a
// local optimistic update that has not been confirmed yet.
func Project(c *Collection, hasMore bool, pending func(id string) bool) View {
	jobs := c.Jobs()
	SortChronological(jobs)

	items := make([]Item, len(jobs))
	for i, job := range jobs {
		items[i] = Item{Job: job}
		if pending != nil {
			items[i].Pending = pending(job.ID)
		}
	}

	m, n := c.LastMutation()
	return View{
		Jobs:    items,
		HasMore: hasMore,
		Anchor: Anchor{
			Prepended:      m == MutationPrepend,
			PrependedCount: n,
		},
	}
}
