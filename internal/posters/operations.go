package posters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/activity"
	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
	"github.com/aphrodite-server/aphrodite/internal/models"
)

// ErrInvalidImage rejects an upload whose bytes do not start with a known
// image signature.
var ErrInvalidImage = errors.New("posters: not a recognized image format")

// mediaServer is the Jellyfin surface the operator actions need.
type mediaServer interface {
	DownloadPoster(ctx context.Context, itemID string) ([]byte, string, error)
	UploadPoster(ctx context.Context, itemID string, data []byte) error
	RemoveTag(ctx context.Context, itemID, tag string) error
}

// activitySink records operator actions; satisfied by *activity.Tracker.
type activitySink interface {
	Start(p activity.StartParams) (uuid.UUID, error)
	Complete(id uuid.UUID, result interface{}) error
	Fail(id uuid.UUID, errMessage string) error
	LogReplacementDetails(pr *models.PosterReplacement) error
}

// Operations are the operator-triggered poster actions: restoring the
// stored original and replacing the poster with uploaded bytes. Batch
// processing never goes through here.
type Operations struct {
	server mediaServer
	store  *Store
	sink   activitySink
}

func NewOperations(server mediaServer, store *Store, sink activitySink) *Operations {
	return &Operations{server: server, store: store, sink: sink}
}

type RevertResult struct {
	ActivityID uuid.UUID `json:"activity_id"`
	TagRemoved bool      `json:"tag_removed"`
}

// Revert pushes the stored original back to the server and removes the
// overlay tag. Fails with ErrOriginalMissing when no original was ever
// cached for the item.
func (o *Operations) Revert(ctx context.Context, itemID, userID string) (*RevertResult, error) {
	data, err := o.store.LoadOriginal(itemID)
	if err != nil {
		return nil, err
	}

	actID, err := o.sink.Start(activity.StartParams{
		MediaItemID: itemID,
		JellyfinID:  &itemID,
		Type:        models.ActivityRevert,
		InitiatedBy: models.InitiatedByUser,
		UserID:      optional(userID),
		Input:       map[string]interface{}{"size_bytes": len(data)},
	})
	if err != nil {
		return nil, err
	}

	if err := o.server.UploadPoster(ctx, itemID, data); err != nil {
		o.fail(actID, fmt.Sprintf("restore upload: %v", err))
		return nil, fmt.Errorf("restore original for %s: %w", itemID, err)
	}

	// Tag removal is recorded but never fails the revert; the poster is
	// already restored by this point.
	tagRemoved := true
	if err := o.server.RemoveTag(ctx, itemID, models.OverlayTag); err != nil {
		log.Printf("[posters] revert %s: tag removal failed: %v", itemID, err)
		tagRemoved = false
	}
	if err := o.store.RemoveModified(itemID); err != nil {
		log.Printf("[posters] revert %s: stale modified copy not removed: %v", itemID, err)
	}

	res := &RevertResult{ActivityID: actID, TagRemoved: tagRemoved}
	if err := o.sink.Complete(actID, res); err != nil {
		log.Printf("[posters] revert %s: activity completion failed: %v", itemID, err)
	}
	return res, nil
}

type UploadResult struct {
	ActivityID uuid.UUID `json:"activity_id"`
	SizeBytes  int64     `json:"size_bytes"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
}

// CustomUpload replaces the item's poster with operator-provided bytes.
// The current server poster is cached as the original first (unless one is
// already stored), so the upload stays revertible.
func (o *Operations) CustomUpload(ctx context.Context, itemID, userID string, data []byte, contentType string) (*UploadResult, error) {
	if !jellyfin.ValidImageSignature(data) {
		return nil, ErrInvalidImage
	}

	var originalSize *int64
	if !o.store.HasOriginal(itemID) {
		current, ct, err := o.server.DownloadPoster(ctx, itemID)
		switch {
		case err == nil:
			if _, err := o.store.SaveOriginal(itemID, current, ct); err != nil {
				return nil, fmt.Errorf("preserve original for %s: %w", itemID, err)
			}
			size := int64(len(current))
			originalSize = &size
		case errors.Is(err, jellyfin.ErrPosterMissing), errors.Is(err, jellyfin.ErrItemMissing):
			// Nothing to preserve; the upload becomes the first poster.
		default:
			return nil, fmt.Errorf("fetch current poster for %s: %w", itemID, err)
		}
	}

	subtype := "manual_upload"
	actID, err := o.sink.Start(activity.StartParams{
		MediaItemID: itemID,
		JellyfinID:  &itemID,
		Type:        models.ActivityCustomUpload,
		Subtype:     &subtype,
		InitiatedBy: models.InitiatedByUser,
		UserID:      optional(userID),
		Input: map[string]interface{}{
			"size_bytes":   len(data),
			"content_type": contentType,
		},
	})
	if err != nil {
		return nil, err
	}

	uploadStart := time.Now()
	if err := o.server.UploadPoster(ctx, itemID, data); err != nil {
		o.fail(actID, fmt.Sprintf("custom upload: %v", err))
		return nil, fmt.Errorf("upload poster for %s: %w", itemID, err)
	}
	uploadMs := time.Since(uploadStart).Milliseconds()

	res := &UploadResult{ActivityID: actID, SizeBytes: int64(len(data))}
	if img, err := imaging.Decode(bytes.NewReader(data)); err == nil {
		b := img.Bounds()
		res.Width, res.Height = b.Dx(), b.Dy()
	}

	pr := &models.PosterReplacement{
		ActivityID:        actID,
		Source:            models.ReplacementManual,
		NewSizeBytes:      &res.SizeBytes,
		OriginalSizeBytes: originalSize,
		UploadDurationMs:  &uploadMs,
	}
	if res.Width > 0 {
		pr.NewWidth, pr.NewHeight = &res.Width, &res.Height
	}
	if err := o.sink.LogReplacementDetails(pr); err != nil {
		log.Printf("[posters] upload %s: replacement detail not recorded: %v", itemID, err)
	}
	if err := o.sink.Complete(actID, res); err != nil {
		log.Printf("[posters] upload %s: activity completion failed: %v", itemID, err)
	}
	return res, nil
}

func (o *Operations) fail(actID uuid.UUID, msg string) {
	if err := o.sink.Fail(actID, msg); err != nil {
		log.Printf("[posters] activity %s not marked failed: %v", actID, err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
