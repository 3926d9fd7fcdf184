package detection

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
)

// ResolutionInfo describes the video class of an item plus its dynamic
// range flags.
type ResolutionInfo struct {
	Class       string `json:"class"`
	HDR         bool   `json:"hdr"`
	DolbyVision bool   `json:"dolby_vision"`
}

// Label is the human form shown in text badges, e.g. "4K DV".
func (r *ResolutionInfo) Label() string {
	class := r.Class
	if class == "4k" || class == "8k" {
		class = strings.ToUpper(class)
	}
	switch {
	case r.DolbyVision:
		return class + " DV"
	case r.HDR:
		return class + " HDR"
	default:
		return class
	}
}

// ImageKey is the lookup key into the resolution image mapping.
func (r *ResolutionInfo) ImageKey() string {
	switch {
	case r.DolbyVision:
		return r.Class + "-dv"
	case r.HDR:
		return r.Class + "-hdr"
	default:
		return r.Class
	}
}

// ResolutionDetector classifies items by stream width, with height and
// filename hints breaking ties the stream metadata cannot.
type ResolutionDetector struct {
	episodes EpisodeLister
	cache    *Cache
}

func (d *ResolutionDetector) Detect(ctx context.Context, item *jellyfin.Item) (*ResolutionInfo, error) {
	if item.Type == "Series" {
		return d.detectSeries(ctx, item)
	}
	return resolutionOf(item), nil
}

func (d *ResolutionDetector) detectSeries(ctx context.Context, item *jellyfin.Item) (*ResolutionInfo, error) {
	key := "resolution:" + item.ID
	if v, ok := d.cache.Get(key); ok {
		return v.(*ResolutionInfo), nil
	}

	episodes, err := d.episodes.GetSeriesEpisodes(ctx, item.ID, episodeFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("sample series %s: %w", item.ID, err)
	}

	// Plain mode over the sample; mixed-quality series get the class most
	// episodes actually have.
	counts := make(map[string]int)
	byClass := make(map[string]*ResolutionInfo)
	for _, ep := range sampleEpisodes(episodes, maxEpisodeSample) {
		info := resolutionOf(&ep)
		if info == nil {
			continue
		}
		counts[info.Class]++
		if _, ok := byClass[info.Class]; !ok {
			byClass[info.Class] = info
		}
	}

	var winner *ResolutionInfo
	var winnerCount int
	for class, n := range counts {
		if winner == nil || n > winnerCount ||
			(n == winnerCount && classRank(class) > classRank(winner.Class)) {
			winner = byClass[class]
			winnerCount = n
		}
	}

	d.cache.Put(key, winner)
	return winner, nil
}

func resolutionOf(item *jellyfin.Item) *ResolutionInfo {
	v := item.VideoStream()
	if v == nil {
		return nil
	}
	class := classifyResolution(v.Width, v.Height)
	if class == "" {
		return nil
	}
	hdr, dv := classifyRange(v, item)
	return &ResolutionInfo{Class: class, HDR: hdr, DolbyVision: dv}
}

// classifyResolution is width-first; widths survive aspect-ratio crops
// that shrink the height.
func classifyResolution(width, height int) string {
	switch {
	case width >= 6500:
		return "8k"
	case width >= 3200:
		return "4k"
	case width >= 1800:
		return "1080p"
	case width >= 1200:
		return "720p"
	case width > 0 || height > 0:
		if height >= 540 {
			return "576p"
		}
		return "480p"
	default:
		return ""
	}
}

func classRank(class string) int {
	switch class {
	case "8k":
		return 6
	case "4k":
		return 5
	case "1080p":
		return 4
	case "720p":
		return 3
	case "576p":
		return 2
	case "480p":
		return 1
	default:
		return 0
	}
}

// classifyRange reads the stream's range metadata, falling back to
// release-name tokens when the server reports plain SDR.
func classifyRange(v *jellyfin.MediaStream, item *jellyfin.Item) (hdr, dv bool) {
	rangeType := strings.ToUpper(v.VideoRangeType)
	switch {
	case strings.HasPrefix(rangeType, "DOVI"):
		hdr, dv = true, true
	case rangeType == "HDR10" || rangeType == "HDR10PLUS" || rangeType == "HLG":
		hdr = true
	}
	if strings.EqualFold(v.VideoRange, "HDR") {
		hdr = true
	}
	if hdr && dv {
		return hdr, dv
	}

	name := strings.ToLower(filepath.Base(item.Path))
	if name == "." {
		return hdr, dv
	}
	if hasToken(name, "dv") || hasToken(name, "dovi") ||
		strings.Contains(name, "dolby.vision") || strings.Contains(name, "dolby vision") {
		hdr, dv = true, true
	}
	if hasToken(name, "hdr") || hasToken(name, "hdr10") {
		hdr = true
	}
	return hdr, dv
}

// hasToken reports whether name contains word delimited by non-alphanumeric
// runes, so "dv" matches "Movie.2160p.DV.mkv" but not "dvdrip".
func hasToken(name, word string) bool {
	for i := 0; i+len(word) <= len(name); i++ {
		if name[i:i+len(word)] != word {
			continue
		}
		before := i == 0 || !isAlnum(name[i-1])
		after := i+len(word) == len(name) || !isAlnum(name[i+len(word)])
		if before && after {
			return true
		}
	}
	return false
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
