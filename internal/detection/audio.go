package detection

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
)

// AudioInfo describes the dominant audio format of an item.
type AudioInfo struct {
	Format   string  `json:"format"`
	Channels int     `json:"channels"`
	Score    float64 `json:"score"`
}

// maxEpisodeSample caps how many episodes a series detection inspects.
const maxEpisodeSample = 5

// episodeFetchLimit is how many episodes we pull before sampling, so the
// sample spans the series instead of just the pilot block.
const episodeFetchLimit = 25

// AudioDetector picks the best audio format an item carries. For a series
// it samples episodes and takes the quality-weighted mode, cached per
// series id.
type AudioDetector struct {
	episodes EpisodeLister
	cache    *Cache
}

func (d *AudioDetector) Detect(ctx context.Context, item *jellyfin.Item) (*AudioInfo, error) {
	if item.Type == "Series" {
		return d.detectSeries(ctx, item)
	}
	return bestAudio(item), nil
}

func (d *AudioDetector) detectSeries(ctx context.Context, item *jellyfin.Item) (*AudioInfo, error) {
	key := "audio:" + item.ID
	if v, ok := d.cache.Get(key); ok {
		return v.(*AudioInfo), nil
	}

	episodes, err := d.episodes.GetSeriesEpisodes(ctx, item.ID, episodeFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("sample series %s: %w", item.ID, err)
	}

	// Quality-weighted mode: each sampled episode votes for its best
	// format with the format's score as the vote weight, so a lossless
	// track on most episodes beats a lossy track on all of them.
	tally := make(map[string]float64)
	byFormat := make(map[string]*AudioInfo)
	for _, ep := range sampleEpisodes(episodes, maxEpisodeSample) {
		info := bestAudio(&ep)
		if info == nil {
			continue
		}
		tally[info.Format] += info.Score
		if cur, ok := byFormat[info.Format]; !ok || info.Score > cur.Score {
			byFormat[info.Format] = info
		}
	}

	var winner *AudioInfo
	var winnerWeight float64
	for format, weight := range tally {
		if winner == nil || weight > winnerWeight ||
			(weight == winnerWeight && format < winner.Format) {
			winner = byFormat[format]
			winnerWeight = weight
		}
	}

	d.cache.Put(key, winner)
	return winner, nil
}

// sampleEpisodes picks up to n episodes spread evenly across the list.
func sampleEpisodes(episodes []jellyfin.Item, n int) []jellyfin.Item {
	if len(episodes) <= n {
		return episodes
	}
	out := make([]jellyfin.Item, 0, n)
	step := float64(len(episodes)-1) / float64(n-1)
	for i := 0; i < n; i++ {
		out = append(out, episodes[int(math.Round(float64(i)*step))])
	}
	return out
}

// bestAudio scores every audio stream and returns the strongest, or nil
// when the item has no recognizable audio.
func bestAudio(item *jellyfin.Item) *AudioInfo {
	var best *AudioInfo
	for _, s := range item.AudioStreams() {
		format, base := classifyAudio(s)
		if format == "" {
			continue
		}
		info := &AudioInfo{Format: format, Channels: s.Channels, Score: scoreStream(s, base)}
		if best == nil || info.Score > best.Score {
			best = info
		}
	}
	return best
}

// classifyAudio maps a stream to its codec family and the family's base
// score. Lossless and object-based formats rank highest.
func classifyAudio(s jellyfin.MediaStream) (string, float64) {
	codec := strings.ToLower(s.Codec)
	hints := strings.ToLower(s.Profile + " " + s.DisplayTitle)
	atmos := strings.Contains(hints, "atmos")
	dtsx := strings.Contains(hints, "dts:x") || strings.Contains(hints, "dts-x") ||
		strings.Contains(hints, "dts x")

	switch {
	case codec == "truehd" && atmos:
		return "TrueHD Atmos", 100
	case dtsx:
		return "DTS-X", 95
	case codec == "truehd":
		return "TrueHD", 90
	case codec == "dts" && strings.Contains(hints, "ma"):
		return "DTS-HD MA", 85
	case atmos:
		return "Atmos", 80
	case codec == "eac3" || codec == "ec-3":
		return "EAC3", 70
	case codec == "dts":
		return "DTS", 60
	case codec == "ac3":
		return "AC3", 50
	case codec == "flac":
		return "FLAC", 45
	case codec == "aac":
		return "AAC", 40
	case codec == "mp3":
		return "MP3", 30
	default:
		return "", 0
	}
}

// scoreStream layers channel count, bitrate and bit depth on top of the
// codec family base, so a 7.1 track outranks the same codec in stereo.
func scoreStream(s jellyfin.MediaStream, base float64) float64 {
	score := base
	score += float64(s.Channels) * 0.6
	if s.BitRate > 0 {
		mbps := float64(s.BitRate) / 1_000_000
		if mbps > 5 {
			mbps = 5
		}
		score += mbps * 0.4
	}
	if s.BitDepth >= 24 {
		score++
	}
	return score
}
