package settings

import "github.com/spf13/cast"

// Document keys. Settings live in app_settings as JSON documents keyed by
// the filename of the YAML file each one replaced.
const (
	KeySystem          = "settings.yaml"
	KeyBadgeAudio      = "badge_settings_audio"
	KeyBadgeResolution = "badge_settings_resolution"
	KeyBadgeReview     = "badge_settings_review"
	KeyBadgeAwards     = "badge_settings_awards"
	KeyReviewSources   = "review_source_settings"
)

// Doc is one decoded settings document. Values arrive as untyped JSON;
// the accessors coerce and fall back so callers never branch on type.
type Doc map[string]interface{}

// Section returns a nested document, or nil when absent.
func (d Doc) Section(name string) Doc {
	if d == nil {
		return nil
	}
	m := cast.ToStringMap(d[name])
	if len(m) == 0 {
		return nil
	}
	return Doc(m)
}

func (d Doc) String(name, fallback string) string {
	if d == nil || d[name] == nil {
		return fallback
	}
	return cast.ToString(d[name])
}

func (d Doc) Int(name string, fallback int) int {
	if d == nil || d[name] == nil {
		return fallback
	}
	return cast.ToInt(d[name])
}

func (d Doc) Float(name string, fallback float64) float64 {
	if d == nil || d[name] == nil {
		return fallback
	}
	return cast.ToFloat64(d[name])
}

func (d Doc) Bool(name string, fallback bool) bool {
	if d == nil || d[name] == nil {
		return fallback
	}
	return cast.ToBool(d[name])
}

func (d Doc) Strings(name string) []string {
	if d == nil || d[name] == nil {
		return nil
	}
	return cast.ToStringSlice(d[name])
}

// StringMap returns a flat string-to-string view of a nested map, for
// lookup tables like the badge image mappings.
func (d Doc) StringMap(name string) map[string]string {
	if d == nil || d[name] == nil {
		return nil
	}
	return cast.ToStringMapString(d[name])
}
