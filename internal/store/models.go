package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested screenshot does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidProject is returned by Create when a project id cannot serve as
// a directory name under the store root.
var ErrInvalidProject = errors.New("invalid project id")

// Status tracks the delivery state of a screenshot. The transition is
// monotonic: pending -> delivered, never reversed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
)

// Source records who produced a screenshot. Agent-sourced screenshots are
// created already delivered since there is no hand-off to wait for.
type Source string

const (
	SourceUser  Source = "user"
	SourceAgent Source = "agent"
)

// SourceContext is the opaque source-control tag attached at creation time.
// The store never interprets it beyond filter comparisons.
type SourceContext struct {
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// Screenshot is a stored image record. Image holds the normalized payload and
// is excluded from list projections (see Meta).
type Screenshot struct {
	ID          string         `json:"id"`
	Project     string         `json:"project"`
	Prompt      string         `json:"prompt,omitempty"`
	Description string         `json:"description,omitempty"`
	Annotations string         `json:"annotations,omitempty"`
	Image       []byte         `json:"image"`
	MimeType    string         `json:"mime_type"`
	Status      Status         `json:"status"`
	Source      Source         `json:"source"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	Context     *SourceContext `json:"context,omitempty"`
}

// Meta is the list projection of a Screenshot: everything except the image
// payload, plus its size so clients can decide whether to fetch it.
type Meta struct {
	ID          string         `json:"id"`
	Project     string         `json:"project"`
	Prompt      string         `json:"prompt,omitempty"`
	Description string         `json:"description,omitempty"`
	Annotations string         `json:"annotations,omitempty"`
	MimeType    string         `json:"mime_type"`
	ImageSize   int            `json:"image_size"`
	Status      Status         `json:"status"`
	Source      Source         `json:"source"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	Context     *SourceContext `json:"context,omitempty"`
}

// Meta returns the payload-free projection of s.
func (s Screenshot) Meta() Meta {
	return Meta{
		ID:          s.ID,
		Project:     s.Project,
		Prompt:      s.Prompt,
		Description: s.Description,
		Annotations: s.Annotations,
		MimeType:    s.MimeType,
		ImageSize:   len(s.Image),
		Status:      s.Status,
		Source:      s.Source,
		CreatedAt:   s.CreatedAt,
		DeliveredAt: s.DeliveredAt,
		Context:     s.Context,
	}
}

// Event is a lifecycle notification fanned out to connected display surfaces.
// Delivery is fire-and-forget; the store never waits on it.
type Event struct {
	Type    string `json:"type"`
	Project string `json:"project"`
	ID      string `json:"id,omitempty"`
}

const (
	EventProjectCreated    = "project_created"
	EventScreenshotAdded   = "screenshot_added"
	EventScreenshotUpdated = "screenshot_updated"
	EventScreenshotDeleted = "screenshot_deleted"
	EventProjectCleared    = "project_cleared"
)
