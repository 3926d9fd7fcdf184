package badges

import (
	"image"
	"image/color"
	"strconv"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/aphrodite-server/aphrodite/internal/settings"
)

// textBadge renders the label on an opaque pill. The bitmap face is drawn
// at its native 13px and scaled up with nearest-neighbor to the configured
// font size.
func (c *Composer) textBadge(doc settings.Doc, label string, size int) image.Image {
	textCfg := doc.Section("Text")
	bgCfg := doc.Section("Background")

	textColor := parseHexColor(textCfg.String("text_color", "#FFFFFF"), color.NRGBA{255, 255, 255, 255})
	bgColor := parseHexColor(bgCfg.String("background_color", "#000000"), color.NRGBA{0, 0, 0, 255})
	opacity := bgCfg.Int("background_opacity", 60)
	if opacity < 0 {
		opacity = 0
	} else if opacity > 100 {
		opacity = 100
	}
	bgColor.A = uint8(255 * opacity / 100)

	face := basicfont.Face7x13
	textW := font.MeasureString(face, label).Ceil()
	textH := face.Metrics().Height.Ceil()
	if textW < 1 {
		textW = 1
	}

	raw := image.NewNRGBA(image.Rect(0, 0, textW, textH))
	drawer := font.Drawer{
		Dst:  raw,
		Src:  image.NewUniform(textColor),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	drawer.DrawString(label)

	fontSize := textCfg.Int("font_size", 60)
	scale := fontSize / textH
	if scale < 1 {
		scale = 1
	}
	text := imaging.Resize(raw, textW*scale, textH*scale, imaging.NearestNeighbor)

	pad := doc.Section("General").Int("text_padding", 12)
	w := text.Bounds().Dx() + 2*pad
	h := text.Bounds().Dy() + 2*pad
	badge := imaging.New(w, h, bgColor)
	return imaging.Paste(badge, text, image.Pt(pad, pad))
}

// parseHexColor parses #RGB or #RRGGBB, returning fallback on any other
// shape.
func parseHexColor(s string, fallback color.NRGBA) color.NRGBA {
	if len(s) == 0 || s[0] != '#' {
		return fallback
	}
	hex := s[1:]
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return fallback
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return fallback
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}
