package activity

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/repository"
)

// Tracker wraps the activity store with the start/complete pattern every
// pipeline run follows: one top-level activity per poster, completed exactly
// once, detail rows attached while it is open.
type Tracker struct {
	repo    *repository.ActivityRepository
	version string
}

func NewTracker(repo *repository.ActivityRepository, version string) *Tracker {
	return &Tracker{repo: repo, version: version}
}

type StartParams struct {
	MediaItemID string
	JellyfinID  *string
	Type        models.ActivityType
	Subtype     *string
	InitiatedBy models.InitiatorKind
	UserID      *string
	BatchJobID  *uuid.UUID
	ParentID    *uuid.UUID
	Input       interface{}
}

// Start opens a processing activity and returns its id.
func (t *Tracker) Start(p StartParams) (uuid.UUID, error) {
	var input json.RawMessage
	if p.Input != nil {
		raw, err := json.Marshal(p.Input)
		if err != nil {
			return uuid.Nil, fmt.Errorf("activity: failed to marshal input: %w", err)
		}
		input = raw
	}
	a := &models.MediaActivity{
		MediaItemID:      p.MediaItemID,
		JellyfinID:       p.JellyfinID,
		ActivityType:     p.Type,
		ActivitySubtype:  p.Subtype,
		InitiatedBy:      p.InitiatedBy,
		UserID:           p.UserID,
		BatchJobID:       p.BatchJobID,
		ParentActivityID: p.ParentID,
		InputParameters:  input,
		SystemVersion:    t.version,
	}
	if err := t.repo.Start(a); err != nil {
		return uuid.Nil, fmt.Errorf("activity: failed to start: %w", err)
	}
	return a.ID, nil
}

// Complete closes the activity as successful with an optional result blob.
func (t *Tracker) Complete(id uuid.UUID, result interface{}) error {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("activity: failed to marshal result: %w", err)
		}
		raw = data
	}
	return t.repo.Complete(id, true, raw, nil)
}

// Fail closes the activity as unsuccessful.
func (t *Tracker) Fail(id uuid.UUID, errMessage string) error {
	return t.repo.Complete(id, false, nil, &errMessage)
}

func (t *Tracker) LogBadgeDetails(ba *models.BadgeApplication) error {
	return t.repo.LogBadgeApplication(ba)
}

func (t *Tracker) LogReplacementDetails(pr *models.PosterReplacement) error {
	return t.repo.LogPosterReplacement(pr)
}

func (t *Tracker) LogPerformanceMetrics(pm *models.PerformanceMetric) error {
	return t.repo.LogPerformanceMetric(pm)
}
