package detection

import (
	"math"

	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
	"github.com/aphrodite-server/aphrodite/internal/settings"
)

// ReviewSource is one provider of review scores. Score reports a 0-100
// score, the vote count behind it (-1 when the provider has none), and
// whether the provider had anything to say about the item.
type ReviewSource interface {
	Name() string
	Score(item *jellyfin.Item) (score float64, votes int, ok bool)
}

// SourceScore is one review source's verdict, normalized to 0-100.
type SourceScore struct {
	Source string  `json:"source"`
	Score  float64 `json:"score"`
	Votes  int     `json:"votes"`
}

// ReviewInfo aggregates the sources that passed the configured threshold.
type ReviewInfo struct {
	Scores  []SourceScore `json:"scores"`
	Overall float64       `json:"overall"`
}

// Percent is the rounded overall score for badge text.
func (r *ReviewInfo) Percent() int {
	return int(math.Round(r.Overall))
}

// ReviewDetector aggregates review-source scores. Per-source weights and
// the minimum-votes threshold come from review_source_settings.
type ReviewDetector struct {
	settings DocumentSource
	sources  []ReviewSource
}

// NewReviewDetector builds a detector over the item-metadata sources plus
// any extra providers.
func NewReviewDetector(docs DocumentSource, extra ...ReviewSource) *ReviewDetector {
	sources := append([]ReviewSource{communitySource{}, criticSource{}}, extra...)
	return &ReviewDetector{settings: docs, sources: sources}
}

func (d *ReviewDetector) Detect(item *jellyfin.Item) (*ReviewInfo, error) {
	doc, err := d.settings.Document(settings.KeyReviewSources)
	if err != nil {
		return nil, err
	}
	minVotes := doc.Int("minimum_votes", 100)
	cfg := doc.Section("sources")

	var scores []SourceScore
	var weighted, weightSum float64
	for _, src := range d.sources {
		score, votes, ok := src.Score(item)
		if !ok {
			continue
		}
		srcCfg := cfg.Section(src.Name())
		if srcCfg != nil && !srcCfg.Bool("enabled", true) {
			continue
		}
		// Sources without a vote count are exempt from the threshold.
		if votes >= 0 && votes < minVotes {
			continue
		}
		weight := 1.0
		if srcCfg != nil {
			weight = srcCfg.Float("weight", 1.0)
		}
		if weight <= 0 {
			continue
		}
		scores = append(scores, SourceScore{Source: src.Name(), Score: score, Votes: votes})
		weighted += score * weight
		weightSum += weight
	}

	if weightSum == 0 {
		return nil, nil
	}
	return &ReviewInfo{Scores: scores, Overall: weighted / weightSum}, nil
}

// communitySource reads the server's community rating (0-10 scale).
type communitySource struct{}

func (communitySource) Name() string { return "community" }

func (communitySource) Score(item *jellyfin.Item) (float64, int, bool) {
	if item.CommunityRating <= 0 {
		return 0, 0, false
	}
	return item.CommunityRating * 10, -1, true
}

// criticSource reads the server's critic rating, already 0-100.
type criticSource struct{}

func (criticSource) Name() string { return "critic" }

func (criticSource) Score(item *jellyfin.Item) (float64, int, bool) {
	if item.CriticRating <= 0 {
		return 0, 0, false
	}
	return item.CriticRating, -1, true
}
