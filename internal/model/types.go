package model

import "time"

// Status represents job lifecycle status
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
)

// Known reports whether s is one of the lifecycle states the backend documents.
// Other values are passed through untouched.
func (s Status) Known() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ActionKind is the kind of user-initiated mutation
type ActionKind string

const (
	ActionSend   ActionKind = "send"
	ActionPickup ActionKind = "pickup"
	ActionReply  ActionKind = "reply"
	ActionRetry  ActionKind = "retry"
)

// Valid reports whether a is a supported action.
func (a ActionKind) Valid() bool {
	switch a {
	case ActionSend, ActionPickup, ActionReply, ActionRetry:
		return true
	}
	return false
}

// Job is the canonical in-memory job record. Optional attributes are nil when
// the wire row did not carry them.
type Job struct {
	ID        string     `json:"id"`
	Name      *string    `json:"name"`
	Message   *string    `json:"message"`
	Status    Status     `json:"status"`
	Result    *string    `json:"result"`
	Category  *string    `json:"category"`
	Tone      *string    `json:"tone"`
	Priority  *string    `json:"priority"`
	Language  *string    `json:"language"`
	Error     *string    `json:"error"`
	UpdatedAt *time.Time `json:"updatedAt"`
	CreatedAt *time.Time `json:"createdAt"`
}

// Merge returns j updated with every attribute u carries. Absent attributes of
// u (nil, or StatusUnknown for the status) leave j's value in place.
func (j Job) Merge(u Job) Job {
	out := j
	if u.ID != "" {
		out.ID = u.ID
	}
	if u.Status != "" && u.Status != StatusUnknown {
		out.Status = u.Status
	}
	overlay(&out.Name, u.Name)
	overlay(&out.Message, u.Message)
	overlay(&out.Result, u.Result)
	overlay(&out.Category, u.Category)
	overlay(&out.Tone, u.Tone)
	overlay(&out.Priority, u.Priority)
	overlay(&out.Language, u.Language)
	overlay(&out.Error, u.Error)
	if u.UpdatedAt != nil {
		out.UpdatedAt = u.UpdatedAt
	}
	if u.CreatedAt != nil {
		out.CreatedAt = u.CreatedAt
	}
	return out
}

func overlay(dst **string, src *string) {
	if src != nil {
		*dst = src
	}
}

// Draft is the transient user input for the action form.
type Draft struct {
	Message string     `json:"message"`
	Name    string     `json:"name"`
	Action  ActionKind `json:"action"`
}
