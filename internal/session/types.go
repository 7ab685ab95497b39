// Package session implements the authoritative store for job sessions:
// an in-memory map of session state mirrored to disk as one JSON snapshot
// per session, written through atomically on every mutation.
package session

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

// Session lifecycle states.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Stage is one step of the fixed generation pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageInitializing    Stage = "initializing"
	StageResearching     Stage = "researching"
	StageScripting       Stage = "scripting"
	StageAssetSourcing   Stage = "asset-sourcing"
	StageAudioGeneration Stage = "audio-generation"
	StageVideoAssembly   Stage = "video-assembly"
	StageFinalizing      Stage = "finalizing"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

// PipelineStages lists the seven working stages in order, excluding the
// terminal completed/failed markers.
var PipelineStages = []Stage{
	StageInitializing,
	StageResearching,
	StageScripting,
	StageAssetSourcing,
	StageAudioGeneration,
	StageVideoAssembly,
	StageFinalizing,
}

// stageOrder maps each stage to its pipeline position. Terminal markers sort
// after every working stage so forward-only transition checks stay simple.
var stageOrder = map[Stage]int{
	StageInitializing:    0,
	StageResearching:     1,
	StageScripting:       2,
	StageAssetSourcing:   3,
	StageAudioGeneration: 4,
	StageVideoAssembly:   5,
	StageFinalizing:      6,
	StageCompleted:       7,
	StageFailed:          8,
}

// StageIndex returns the pipeline position of a stage and whether the stage
// is known.
func StageIndex(s Stage) (int, bool) {
	idx, ok := stageOrder[s]

	return idx, ok
}

// Quality is the requested output quality tier.
type Quality string

// Quality tiers.
const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityUltra  Quality = "ultra"
)

// Request duration bounds in seconds.
const (
	MinDurationSeconds = 10
	MaxDurationSeconds = 600
)

// Sentinel errors for request validation.
var (
	// ErrEmptyPrompt indicates the job prompt is empty.
	ErrEmptyPrompt = errors.New("prompt must not be empty")
	// ErrDurationOutOfRange indicates the requested duration is outside 10-600s.
	ErrDurationOutOfRange = errors.New("duration must be between 10 and 600 seconds")
	// ErrUnknownQuality indicates an unrecognized quality tier.
	ErrUnknownQuality = errors.New("unknown quality tier")
)

// JobRequest describes one video generation job as submitted by a client.
type JobRequest struct {
	Prompt          string  `json:"prompt"`
	DurationSeconds int     `json:"duration_seconds"`
	Style           string  `json:"style,omitempty"`
	Voice           string  `json:"voice,omitempty"`
	Quality         Quality `json:"quality"`
}

// Validate checks JobRequest invariants and returns the first error found.
func (r *JobRequest) Validate() error {
	if r.Prompt == "" {
		return ErrEmptyPrompt
	}

	if r.DurationSeconds < MinDurationSeconds || r.DurationSeconds > MaxDurationSeconds {
		return ErrDurationOutOfRange
	}

	switch r.Quality {
	case QualityLow, QualityMedium, QualityHigh, QualityUltra:
		return nil
	default:
		return ErrUnknownQuality
	}
}

// Session is one job instance tracked by the store.
type Session struct {
	ID                  string            `json:"id"`
	UserID              string            `json:"user_id,omitempty"`
	Request             JobRequest        `json:"request"`
	Status              Status            `json:"status"`
	Stage               Stage             `json:"stage"`
	Progress            float64           `json:"progress"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	EstimatedCompletion *time.Time        `json:"estimated_completion,omitempty"`
	Error               string            `json:"error,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// ProjectState accumulates per-session pipeline artifacts. The payloads are
// opaque to the core; only presence and the intermediate file list matter
// for scheduling and garbage collection.
type ProjectState struct {
	Research          json.RawMessage `json:"research,omitempty"`
	Script            json.RawMessage `json:"script,omitempty"`
	Assets            json.RawMessage `json:"assets,omitempty"`
	Audio             json.RawMessage `json:"audio,omitempty"`
	FinalArtifact     string          `json:"final_artifact,omitempty"`
	IntermediateFiles []string        `json:"intermediate_files,omitempty"`
}

// StatePatch replaces named ProjectState fields. Nil fields are left
// untouched; non-nil fields overwrite.
type StatePatch struct {
	Research      json.RawMessage
	Script        json.RawMessage
	Assets        json.RawMessage
	Audio         json.RawMessage
	FinalArtifact *string
}

// Apply overwrites the state's fields with the patch's non-nil fields.
func (p *StatePatch) Apply(ps *ProjectState) {
	if p.Research != nil {
		ps.Research = p.Research
	}

	if p.Script != nil {
		ps.Script = p.Script
	}

	if p.Assets != nil {
		ps.Assets = p.Assets
	}

	if p.Audio != nil {
		ps.Audio = p.Audio
	}

	if p.FinalArtifact != nil {
		ps.FinalArtifact = *p.FinalArtifact
	}
}

// StatusUpdate carries the optional fields of an update-status call.
// Nil pointers leave the corresponding session field unchanged.
type StatusUpdate struct {
	Status              *Status
	Stage               *Stage
	Progress            *float64
	Error               *string
	EstimatedCompletion *time.Time
}

// ListFilter narrows the result of Store.List. Zero values match everything.
type ListFilter struct {
	UserID string
	Status Status
	Limit  int
}
