// Package domain defines the core entities and ports of the concept
// generation pipeline. Adapters implement the ports; usecases orchestrate
// them. The package stays free of transport and storage concerns.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrProviderTransient = errors.New("provider transient failure")
	ErrProviderRejected  = errors.New("provider rejected request")
	ErrInternal          = errors.New("internal error")
)

// TaskType enumerates the kinds of asynchronous work the pipeline runs.
type TaskType string

const (
	TaskGenerate TaskType = "generate"
	TaskRefine   TaskType = "refine"
)

// TaskStatus is the task lifecycle state. Transitions are strictly
// pending -> processing -> {completed | failed}, with pending -> failed
// allowed for the reaper and cancellation. Terminal states are immutable.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether s is a terminal status.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// Task is the unit of asynchronous work tracked in the metadata store.
// ResultID is set iff status is completed; ErrorMessage iff failed.
type Task struct {
	ID           string
	UserID       string
	Type         TaskType
	Status       TaskStatus
	ResultID     string
	ErrorMessage string
	Metadata     map[string]any
	IsCancelled  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskPatch carries the columns a status transition may set. Nil fields
// are left untouched.
type TaskPatch struct {
	ResultID     *string
	ErrorMessage *string
	Metadata     map[string]any
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status TaskStatus
	Type   TaskType
	Limit  int
}

// Concept is a successful generation output: one base image plus its
// ordered color variations. Immutable after creation except for delete.
type Concept struct {
	ID               string
	UserID           string
	LogoDescription  string
	ThemeDescription string
	ImagePath        string
	CreatedAt        time.Time
	Variations       []Variation
}

// Variation is a single recolored rendering of a concept under one palette.
type Variation struct {
	ID          string
	ConceptID   string
	PaletteName string
	Colors      []string
	ImagePath   string
	CreatedAt   time.Time
}

// Palette is a named, ordered list of 5 RGB hex colors.
type Palette struct {
	Name   string   `json:"name"`
	Colors []string `json:"colors"`
}

// PaletteSize is the number of colors every palette carries.
const PaletteSize = 5

// Rate-limit category names (canonical).
const (
	CategoryGenerateConcept = "generate_concept"
	CategoryRefineConcept   = "refine_concept"
	CategoryStoreConcept    = "store_concept"
	CategoryGetConcepts     = "get_concepts"
	CategoryExportAction    = "export_action"
	CategoryAuthSessions    = "auth_sessions"
)

// RateDecision is the outcome of an atomic check-and-decrement.
type RateDecision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Period     string
	ResetAfter time.Duration
}

// RateState is the client-visible view of one bucket.
type RateState struct {
	Limit      int64 `json:"limit"`
	Remaining  int64 `json:"remaining"`
	Period     string `json:"period"`
	ResetAfterSeconds int64 `json:"reset_after_seconds"`
}

// TaskMessage is the bus payload published by the dispatcher. The task row
// is the source of truth; workers re-read it after claiming ownership.
type TaskMessage struct {
	TaskID     string         `json:"task_id"`
	UserID     string         `json:"user_id"`
	Type       TaskType       `json:"type"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// TaskChange is one row-change event from the metadata store's feed.
type TaskChange struct {
	TaskID       string     `json:"task_id"`
	OldStatus    TaskStatus `json:"old_status"`
	NewStatus    TaskStatus `json:"new_status"`
	ResultID     string     `json:"result_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// PreserveAspects lists the aspect names accepted by the refine flow.
var PreserveAspects = map[string]bool{
	"layout":      true,
	"colors":      true,
	"style":       true,
	"symbols":     true,
	"proportions": true,
}

// Repositories (ports)

// TaskRepository persists tasks. Transition is the single concurrency
// primitive: a conditional update that fails with ErrConflict unless the
// current status equals from. Only the task registry usecase calls the
// mutating methods.
type TaskRepository interface {
	Create(ctx context.Context, t Task) (string, error)
	Get(ctx context.Context, id string) (Task, error)
	Transition(ctx context.Context, id string, from, to TaskStatus, patch TaskPatch) (Task, error)
	ListActive(ctx context.Context, userID string, typ TaskType) ([]Task, error)
	ListByUser(ctx context.Context, userID string, f TaskFilter) ([]Task, error)
	SetCancelled(ctx context.Context, id string) (Task, error)
	// FailStale marks non-terminal tasks older than the cutoff as failed and
	// returns how many rows changed. Processing tasks age by updated_at,
	// pending tasks by created_at.
	FailStale(ctx context.Context, status TaskStatus, olderThan time.Duration, errMsg string) (int64, error)
}

// ConceptRepository persists concepts and their variations.
type ConceptRepository interface {
	// CreateWithVariations inserts the concept and all variations in one
	// transaction so a reader never observes a dangling variation.
	CreateWithVariations(ctx context.Context, c Concept, vars []Variation) (string, error)
	Get(ctx context.Context, id string) (Concept, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Concept, error)
	Delete(ctx context.Context, id string) error
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Concept, error)
	// OwnsImagePath reports whether path is referenced by one of the user's
	// concepts or variations.
	OwnsImagePath(ctx context.Context, userID, path string) (bool, error)
}

// Queue (port)

type Queue interface {
	PublishTask(ctx context.Context, msg TaskMessage) error
}

// BlobStore (port)

type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	// SignedURL returns a time-bounded read URL. Callers treat failures as
	// non-fatal and fall back to the raw path.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// ImageProvider (port)

// GenerateRequest asks the provider for a fresh image. PaletteColors is
// optional; when present the provider is instructed to honor it so that
// per-palette regenerations stay stylistically consistent.
type GenerateRequest struct {
	LogoDescription  string
	ThemeDescription string
	PaletteColors    []string
}

// RefineRequest asks the provider to rework an existing image.
type RefineRequest struct {
	BaseImage               []byte
	Instructions            string
	PreserveAspects         []string
	UpdatedLogoDescription  string
	UpdatedThemeDescription string
}

type ImageProvider interface {
	// SuggestPalettes derives n named palettes (colors only) from the prompts.
	SuggestPalettes(ctx context.Context, logoDesc, themeDesc string, n int) ([]Palette, error)
	Generate(ctx context.Context, req GenerateRequest) ([]byte, error)
	Refine(ctx context.Context, req RefineRequest) ([]byte, error)
}

// RateCounter (port)

type RateCounter interface {
	// CheckAndDecrement atomically consumes cost tokens from the user's
	// bucket for the category. Backend failures surface as an error so the
	// caller can choose fail-open behavior.
	CheckAndDecrement(ctx context.Context, userID, category string, cost int64) (RateDecision, error)
	Snapshot(ctx context.Context, userID string) (map[string]RateState, error)
	// Refund returns tokens after a failed enqueue that already decremented.
	Refund(ctx context.Context, userID, category string, n int64) error
}

// TaskWatcher (port)

// TaskWatcher streams task row changes from the metadata store. The channel
// closes when ctx is done or the underlying feed fails; consumers fall back
// to polling.
type TaskWatcher interface {
	WatchTasks(ctx context.Context) (<-chan TaskChange, error)
}
