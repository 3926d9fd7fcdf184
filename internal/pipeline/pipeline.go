package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/activity"
	"github.com/aphrodite-server/aphrodite/internal/detection"
	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/posters"
)

// MediaServer is the slice of the Jellyfin client the pipeline drives.
type MediaServer interface {
	GetItem(ctx context.Context, itemID string) (*jellyfin.Item, error)
	DownloadPoster(ctx context.Context, itemID string) ([]byte, string, error)
	UploadPoster(ctx context.Context, itemID string, data []byte) error
	AddTag(ctx context.Context, itemID, tag string) error
}

// BadgeDetector resolves badge data; satisfied by *detection.Detector.
type BadgeDetector interface {
	Detect(ctx context.Context, item *jellyfin.Item, badgeTypes []string) (*detection.Result, error)
}

// Composer renders badge overlays; satisfied by *badges.Composer.
type Composer interface {
	Compose(poster []byte, badgeTypes []string, det *detection.Result) ([]byte, error)
}

// ActivitySink records the audit trail; satisfied by *activity.Tracker.
type ActivitySink interface {
	Start(p activity.StartParams) (uuid.UUID, error)
	Complete(id uuid.UUID, result interface{}) error
	Fail(id uuid.UUID, errMessage string) error
	LogBadgeDetails(ba *models.BadgeApplication) error
	LogPerformanceMetrics(pm *models.PerformanceMetric) error
}

// Pipeline runs one poster through resolve, download, detect, compose,
// upload, tag and record. One call is one attempt; the batch worker owns
// the per-poster retry policy, except for the upload stage which carries
// its own budget.
type Pipeline struct {
	server   MediaServer
	detector BadgeDetector
	composer Composer
	store    *posters.Store
	activity ActivitySink

	uploadAttempts int
	backoffBase    time.Duration
}

func New(server MediaServer, detector BadgeDetector, composer Composer, store *posters.Store, sink ActivitySink) *Pipeline {
	return &Pipeline{
		server:         server,
		detector:       detector,
		composer:       composer,
		store:          store,
		activity:       sink,
		uploadAttempts: 3,
		backoffBase:    500 * time.Millisecond,
	}
}

// Request is one poster-processing order from the batch worker.
type Request struct {
	JobID      uuid.UUID
	PosterID   string
	BadgeTypes []string
	Owner      string
	Source     models.JobSource
}

// Result reports one attempt. Retryable failures may be re-dispatched by
// the worker within the job's retry policy.
type Result struct {
	PosterID     string
	Success      bool
	ErrorKind    models.ErrorKind
	ErrorMessage string
	Retryable    bool
	OutputPath   string
	ActivityID   uuid.UUID
	TagError     string
	Elapsed      time.Duration
}

func (p *Pipeline) Process(ctx context.Context, req Request) Result {
	started := time.Now()
	timings := make(map[string]int64)
	sampler := startSampler()

	actID, err := p.startActivity(req)
	if err != nil {
		sampler.stop()
		log.Printf("[pipeline] job=%s poster=%s activity start failed: %v", req.JobID, req.PosterID, err)
		return Result{
			PosterID:     req.PosterID,
			ErrorKind:    models.ErrKindStoreConflict,
			ErrorMessage: fmt.Sprintf("%s: %v", models.ErrKindStoreConflict, err),
			Retryable:    true,
			Elapsed:      time.Since(started),
		}
	}

	// 1. Resolve item.
	t0 := time.Now()
	item, err := p.server.GetItem(ctx, req.PosterID)
	timings["resolve"] = msSince(t0)
	if err != nil {
		kind, retryable := classifyClient(err)
		return p.finishFailure(req, actID, sampler, started, kind, retryable, err)
	}

	// 2. Download and cache the original.
	t0 = time.Now()
	original, contentType, err := p.server.DownloadPoster(ctx, req.PosterID)
	timings["download"] = msSince(t0)
	if err != nil {
		kind, retryable := classifyClient(err)
		return p.finishFailure(req, actID, sampler, started, kind, retryable, err)
	}
	originalPath, err := p.store.SaveOriginal(req.PosterID, original, contentType)
	if err != nil {
		return p.finishFailure(req, actID, sampler, started, models.ErrKindComposerFailed, false, err)
	}

	// 3. Detect.
	t0 = time.Now()
	det, err := p.detector.Detect(ctx, item, req.BadgeTypes)
	timings["detect"] = msSince(t0)
	if err != nil {
		if jellyfin.IsTransient(err) {
			return p.finishFailure(req, actID, sampler, started, models.ErrKindNetworkTransient, true, err)
		}
		return p.finishFailure(req, actID, sampler, started, models.ErrKindComposerFailed, false, err)
	}

	// 4. Compose.
	t0 = time.Now()
	composed, err := p.composer.Compose(original, req.BadgeTypes, det)
	timings["compose"] = msSince(t0)
	if err != nil {
		return p.finishFailure(req, actID, sampler, started, models.ErrKindComposerFailed, false, err)
	}
	outputPath, err := p.store.SaveModified(req.PosterID, composed, contentType)
	if err != nil {
		return p.finishFailure(req, actID, sampler, started, models.ErrKindComposerFailed, false, err)
	}

	// 5. Upload with its own retry budget.
	t0 = time.Now()
	err = p.uploadWithBackoff(ctx, req.PosterID, composed)
	timings["upload"] = msSince(t0)
	if err != nil {
		if errors.Is(err, jellyfin.ErrUploadVerification) {
			return p.finishFailure(req, actID, sampler, started, models.ErrKindUploadVerification, false, err)
		}
		kind, retryable := classifyClient(err)
		return p.finishFailure(req, actID, sampler, started, kind, retryable, err)
	}

	// 6. Tag. Failure is recorded, not fatal.
	t0 = time.Now()
	var tagMsg string
	if tagErr := p.server.AddTag(ctx, req.PosterID, models.OverlayTag); tagErr != nil {
		tagMsg = fmt.Sprintf("%s: %v", models.ErrKindTagUpdateFailed, tagErr)
		log.Printf("[pipeline] job=%s poster=%s %s", req.JobID, req.PosterID, tagMsg)
	}
	timings["tag"] = msSince(t0)

	// 7. Record.
	stats := sampler.stop()
	elapsed := time.Since(started)
	applied := appliedBadges(req.BadgeTypes, det)

	result := map[string]interface{}{
		"output_path":    outputPath,
		"badges_applied": applied,
	}
	if tagMsg != "" {
		result["tag_error"] = tagMsg
	}
	if err := p.activity.Complete(actID, result); err != nil {
		log.Printf("[pipeline] job=%s poster=%s activity complete failed: %v", req.JobID, req.PosterID, err)
	}
	p.recordDetails(req, actID, originalPath, outputPath, int64(len(original)), composed, applied, timings, stats, elapsed)

	return Result{
		PosterID:   req.PosterID,
		Success:    true,
		OutputPath: outputPath,
		ActivityID: actID,
		TagError:   tagMsg,
		Elapsed:    elapsed,
	}
}

func (p *Pipeline) startActivity(req Request) (uuid.UUID, error) {
	initiated := models.InitiatedByBatch
	if req.Source == models.SourceScheduled {
		initiated = models.InitiatedBySchedule
	}
	var userID *string
	if req.Owner != "" && req.Owner != models.SchedulerOwner {
		owner := req.Owner
		userID = &owner
	}
	jellyfinID := req.PosterID
	jobID := req.JobID
	return p.activity.Start(activity.StartParams{
		MediaItemID: req.PosterID,
		JellyfinID:  &jellyfinID,
		Type:        models.ActivityBadgeApplication,
		InitiatedBy: initiated,
		UserID:      userID,
		BatchJobID:  &jobID,
		Input: map[string]interface{}{
			"job_id":      req.JobID.String(),
			"badge_types": req.BadgeTypes,
		},
	})
}

func (p *Pipeline) finishFailure(req Request, actID uuid.UUID, sampler *perfSampler, started time.Time, kind models.ErrorKind, retryable bool, cause error) Result {
	sampler.stop()
	msg := fmt.Sprintf("%s: %v", kind, cause)
	if err := p.activity.Fail(actID, msg); err != nil {
		log.Printf("[pipeline] job=%s poster=%s activity fail failed: %v", req.JobID, req.PosterID, err)
	}
	return Result{
		PosterID:     req.PosterID,
		ErrorKind:    kind,
		ErrorMessage: msg,
		Retryable:    retryable,
		ActivityID:   actID,
		Elapsed:      time.Since(started),
	}
}

// recordDetails attaches the badge-application and performance rows.
// Failures here degrade the audit trail but not the poster outcome.
func (p *Pipeline) recordDetails(req Request, actID uuid.UUID, inputPath, outputPath string, originalBytes int64, composed []byte, applied []string, timings map[string]int64, stats perfStats, elapsed time.Duration) {
	stageJSON, _ := json.Marshal(timings)

	ba := &models.BadgeApplication{
		ActivityID:    actID,
		BadgeTypes:    req.BadgeTypes,
		BadgesApplied: applied,
		InputPath:     inputPath,
		OutputPath:    &outputPath,
		StageTimings:  stageJSON,
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(composed)); err == nil {
		ba.FinalWidth = &cfg.Width
		ba.FinalHeight = &cfg.Height
	}
	size := int64(len(composed))
	ba.FinalSizeBytes = &size
	if err := p.activity.LogBadgeDetails(ba); err != nil {
		log.Printf("[pipeline] job=%s poster=%s badge details failed: %v", req.JobID, req.PosterID, err)
	}

	pm := &models.PerformanceMetric{
		ActivityID:      actID,
		TotalDurationMs: elapsed.Milliseconds(),
		StageTimings:    stageJSON,
	}
	if stats.peakCPU > 0 {
		pm.PeakCPUPercent = &stats.peakCPU
	}
	if stats.peakMemoryMB > 0 {
		pm.PeakMemoryMB = &stats.peakMemoryMB
	}
	if stats.readBytes > 0 {
		pm.DiskReadBytes = &stats.readBytes
	}
	if stats.writeBytes > 0 {
		pm.DiskWriteBytes = &stats.writeBytes
	}
	network := int64(len(composed)) + originalBytes
	pm.NetworkBytes = &network
	if stage := slowestStage(timings); stage != "" {
		pm.BottleneckStage = &stage
	}
	if err := p.activity.LogPerformanceMetrics(pm); err != nil {
		log.Printf("[pipeline] job=%s poster=%s performance metrics failed: %v", req.JobID, req.PosterID, err)
	}
}

// uploadWithBackoff retries transient upload failures and verification
// misses within the stage budget, with exponential backoff plus jitter.
func (p *Pipeline) uploadWithBackoff(ctx context.Context, itemID string, data []byte) error {
	var err error
	for attempt := 0; attempt < p.uploadAttempts; attempt++ {
		if attempt > 0 {
			if werr := sleepCtx(ctx, backoffDelay(p.backoffBase, attempt)); werr != nil {
				return werr
			}
		}
		err = p.server.UploadPoster(ctx, itemID, data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jellyfin.ErrUploadVerification) && !jellyfin.IsTransient(err) {
			return err
		}
	}
	return err
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// classifyClient maps a media-server error to its persisted kind and
// whether the worker may retry the poster.
func classifyClient(err error) (models.ErrorKind, bool) {
	switch {
	case errors.Is(err, jellyfin.ErrItemMissing):
		return models.ErrKindItemMissing, false
	case errors.Is(err, jellyfin.ErrPosterMissing):
		return models.ErrKindPosterMissing, false
	case errors.Is(err, jellyfin.ErrUploadVerification):
		return models.ErrKindUploadVerification, false
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return models.ErrKindNetworkTransient, false
	case jellyfin.IsTransient(err):
		return models.ErrKindNetworkTransient, true
	default:
		return models.ErrKindNetworkTransient, true
	}
}

func appliedBadges(requested []string, det *detection.Result) []string {
	var out []string
	for _, bt := range requested {
		switch models.BadgeType(bt) {
		case models.BadgeAudio:
			if det.Audio != nil {
				out = append(out, bt)
			}
		case models.BadgeResolution:
			if det.Resolution != nil {
				out = append(out, bt)
			}
		case models.BadgeReview:
			if det.Review != nil {
				out = append(out, bt)
			}
		case models.BadgeAwards:
			if det.Awards != nil {
				out = append(out, bt)
			}
		}
	}
	return out
}

func slowestStage(timings map[string]int64) string {
	var stage string
	var max int64 = -1
	for name, ms := range timings {
		if ms > max || (ms == max && name < stage) {
			stage, max = name, ms
		}
	}
	return stage
}

func msSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}
