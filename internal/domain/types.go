package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type RunStatus string

const (
	RunStatusRunning          RunStatus = "running"
	RunStatusDone             RunStatus = "done"
	RunStatusDoneWithFailures RunStatus = "done_with_failures"
	RunStatusFailed           RunStatus = "failed"
)

// StageInput selects what text a pipeline stage consumes.
type StageInput string

const (
	// StageInputContext feeds the stage the context built from catalog metadata.
	StageInputContext StageInput = "context"
	// StageInputPrevious feeds the stage the output of the preceding stage.
	StageInputPrevious StageInput = "previous"
)

// RelatedArtist is one artist returned by the catalog's relation endpoint,
// carrying at most two of its top track titles.
type RelatedArtist struct {
	Name   string   `json:"name"`
	Tracks []string `json:"tracks"`
}

// ArtistMetadata is the full catalog snapshot for one query. It is either
// fully populated or absent; there is no partial form.
type ArtistMetadata struct {
	SourceArtist string          `json:"source_artist"`
	SourceTracks []string        `json:"source_tracks"`
	Similar      []RelatedArtist `json:"similar"`
}

// StageSpec describes one pipeline stage: a display name, the role
// instruction handed to the generation model, and which text it consumes.
// The four-stage topology is a list of these, not hand-written call sites.
type StageSpec struct {
	Name  string     `json:"name"`
	Role  string     `json:"role"`
	Input StageInput `json:"input"`
}

// StageResult is the explicit outcome of one stage. A failed generation is
// not masked as output text: Failed and FailReason carry the distinction,
// and Text renders the legacy display form.
type StageResult struct {
	Stage      string    `json:"stage"`
	Output     string    `json:"output"`
	Failed     bool      `json:"failed"`
	FailReason string    `json:"fail_reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Text returns the stage output, or a human-readable failure line when the
// generation call failed. This is the value fed to the next stage and shown
// to the user.
func (r StageResult) Text() string {
	if r.Failed {
		return fmt.Sprintf("agent execution failed: %s", r.FailReason)
	}
	return r.Output
}

// Run is one pipeline execution for one artist query.
type Run struct {
	ID           string        `json:"id"`
	Query        string        `json:"query"`
	ResolvedName string        `json:"resolved_name,omitempty"`
	Status       RunStatus     `json:"status"`
	LastError    string        `json:"last_error,omitempty"`
	Context      string        `json:"context,omitempty"`
	Stages       []StageResult `json:"stages,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// RunEvent is one audit-trail entry for a run.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Stage     string          `json:"stage,omitempty"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"created_at"`
}

// StageEvent is a transient progress notification published while a run
// advances. Delivery is best-effort; events never carry generated text.
type StageEvent struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage,omitempty"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func IsFinalStatus(status RunStatus) bool {
	return status == RunStatusDone ||
		status == RunStatusDoneWithFailures ||
		status == RunStatusFailed
}
