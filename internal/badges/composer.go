package badges

import (
	"bytes"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/aphrodite-server/aphrodite/internal/detection"
	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/settings"
)

// DocumentSource yields settings documents; satisfied by *settings.Service.
type DocumentSource interface {
	Document(key string) (settings.Doc, error)
}

// referenceWidth is the poster width badge sizes are tuned against.
// Dynamic sizing scales badges proportionally for other widths.
const referenceWidth = 1000

// Composer overlays badge artwork onto poster images. Badge appearance is
// driven by the per-type settings documents; artwork files live under
// imageDir and text badges are the fallback when artwork is missing.
type Composer struct {
	docs     DocumentSource
	imageDir string
}

func NewComposer(docs DocumentSource, imageDir string) *Composer {
	return &Composer{docs: docs, imageDir: imageDir}
}

// Compose decodes the poster, overlays one badge per requested type that
// produced a detection, and re-encodes. PNG posters stay PNG; everything
// else is encoded as JPEG.
func (c *Composer) Compose(poster []byte, badgeTypes []string, det *detection.Result) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(poster))
	if err != nil {
		return nil, fmt.Errorf("decode poster: %w", err)
	}
	canvas := imaging.Clone(src)

	for _, bt := range badgeTypes {
		key, label, imageKey := badgeContent(bt, det)
		if label == "" {
			continue
		}
		doc, err := c.docs.Document(key)
		if err != nil {
			return nil, err
		}
		general := doc.Section("General")
		if !general.Bool("enabled", true) {
			continue
		}

		size := badgeSize(general, canvas.Bounds().Dx())
		badge, err := c.renderBadge(doc, label, imageKey, size)
		if err != nil {
			return nil, err
		}
		pos := placement(canvas.Bounds(), badge.Bounds(),
			general.String("badge_position", "top-left"), general.Int("edge_padding", 30))
		canvas = imaging.Overlay(canvas, badge, pos, 1.0)
	}

	var buf bytes.Buffer
	if format == "png" {
		err = imaging.Encode(&buf, canvas, imaging.PNG)
	} else {
		err = imaging.Encode(&buf, canvas, imaging.JPEG, imaging.JPEGQuality(95))
	}
	if err != nil {
		return nil, fmt.Errorf("encode poster: %w", err)
	}
	return buf.Bytes(), nil
}

// badgeContent maps a badge type to its settings key, text label and
// artwork lookup key. An empty label means the detector found nothing.
func badgeContent(badgeType string, det *detection.Result) (key, label, imageKey string) {
	switch models.BadgeType(badgeType) {
	case models.BadgeAudio:
		if det.Audio == nil {
			return "", "", ""
		}
		return settings.KeyBadgeAudio, det.Audio.Format, det.Audio.Format
	case models.BadgeResolution:
		if det.Resolution == nil {
			return "", "", ""
		}
		return settings.KeyBadgeResolution, det.Resolution.Label(), det.Resolution.ImageKey()
	case models.BadgeReview:
		if det.Review == nil {
			return "", "", ""
		}
		return settings.KeyBadgeReview, fmt.Sprintf("%d%%", det.Review.Percent()), ""
	case models.BadgeAwards:
		if det.Awards == nil {
			return "", "", ""
		}
		return settings.KeyBadgeAwards, strings.ToUpper(det.Awards.Source), det.Awards.Source
	default:
		return "", "", ""
	}
}

func badgeSize(general settings.Doc, posterWidth int) int {
	size := general.Int("badge_size", 200)
	if general.Bool("use_dynamic_sizing", false) && posterWidth > 0 {
		size = size * posterWidth / referenceWidth
	}
	if size < 16 {
		size = 16
	}
	return size
}

// renderBadge prefers the mapped artwork file and falls back to a rendered
// text badge when the mapping or the file is absent.
func (c *Composer) renderBadge(doc settings.Doc, label, imageKey string, size int) (image.Image, error) {
	ib := doc.Section("ImageBadges")
	if imageKey != "" && ib.Bool("enable_image_badges", true) {
		if file := ib.StringMap("image_mapping")[imageKey]; file != "" {
			img, err := imaging.Open(filepath.Join(c.imageDir, file))
			if err == nil {
				return imaging.Resize(img, size, 0, imaging.Lanczos), nil
			}
		}
	}
	return c.textBadge(doc, label, size), nil
}

func placement(canvas, badge image.Rectangle, position string, padding int) image.Point {
	cw, ch := canvas.Dx(), canvas.Dy()
	bw, bh := badge.Dx(), badge.Dy()
	switch position {
	case "top-right":
		return image.Pt(cw-bw-padding, padding)
	case "bottom-left":
		return image.Pt(padding, ch-bh-padding)
	case "bottom-right":
		return image.Pt(cw-bw-padding, ch-bh-padding)
	case "top-center":
		return image.Pt((cw-bw)/2, padding)
	case "bottom-center":
		return image.Pt((cw-bw)/2, ch-bh-padding)
	default: // top-left
		return image.Pt(padding, padding)
	}
}
