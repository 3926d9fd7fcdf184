package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/settings"
)

// EpisodeLister is the slice of the media-server client the detectors need
// for series-level sampling.
type EpisodeLister interface {
	GetSeriesEpisodes(ctx context.Context, seriesID string, limit int) ([]jellyfin.Item, error)
}

// DocumentSource yields settings documents; satisfied by *settings.Service.
type DocumentSource interface {
	Document(key string) (settings.Doc, error)
}

// Result carries the outputs of the requested detectors for one item.
// A nil field means the detector found nothing badge-worthy.
type Result struct {
	Audio      *AudioInfo
	Resolution *ResolutionInfo
	Review     *ReviewInfo
	Awards     *AwardInfo
}

// Detector runs the per-badge detectors. Series-level lookups share a TTL
// cache so one batch does not refetch episode streams per poster.
type Detector struct {
	Audio      *AudioDetector
	Resolution *ResolutionDetector
	Review     *ReviewDetector
	Awards     *AwardsDetector
}

func New(episodes EpisodeLister, svc DocumentSource) *Detector {
	cache := NewCache(24 * time.Hour)
	return &Detector{
		Audio:      &AudioDetector{episodes: episodes, cache: cache},
		Resolution: &ResolutionDetector{episodes: episodes, cache: cache},
		Review:     NewReviewDetector(svc),
		Awards:     &AwardsDetector{settings: svc},
	}
}

// Detect runs the detectors named in badgeTypes against item.
func (d *Detector) Detect(ctx context.Context, item *jellyfin.Item, badgeTypes []string) (*Result, error) {
	res := &Result{}
	for _, bt := range badgeTypes {
		var err error
		switch models.BadgeType(bt) {
		case models.BadgeAudio:
			res.Audio, err = d.Audio.Detect(ctx, item)
		case models.BadgeResolution:
			res.Resolution, err = d.Resolution.Detect(ctx, item)
		case models.BadgeReview:
			res.Review, err = d.Review.Detect(item)
		case models.BadgeAwards:
			res.Awards, err = d.Awards.Detect(item)
		default:
			return nil, fmt.Errorf("unknown badge type %q", bt)
		}
		if err != nil {
			return nil, fmt.Errorf("detect %s: %w", bt, err)
		}
	}
	return res, nil
}
