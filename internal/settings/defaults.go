package settings

// Default documents written on first boot. Operators edit these through the
// settings API; the seeder never overwrites an existing document.

var defaultDocs = map[string]Doc{
	KeyBadgeAudio: {
		"General": map[string]interface{}{
			"enabled":            true,
			"badge_size":         200,
			"edge_padding":       30,
			"badge_position":     "top-right",
			"text_padding":       12,
			"use_dynamic_sizing": true,
		},
		"Text": map[string]interface{}{
			"font_size":  60,
			"text_color": "#FFFFFF",
		},
		"Background": map[string]interface{}{
			"background_color":   "#000000",
			"background_opacity": 60,
			"corner_radius":      10,
		},
		"ImageBadges": map[string]interface{}{
			"enable_image_badges": true,
			"image_padding":       10,
			"image_mapping": map[string]interface{}{
				"TrueHD Atmos": "truehd-atmos.png",
				"DTS-X":        "dts-x.png",
				"TrueHD":       "truehd.png",
				"DTS-HD MA":    "dts-hd-ma.png",
				"Atmos":        "atmos.png",
				"EAC3":         "eac3.png",
				"DTS":          "dts.png",
				"AC3":          "ac3.png",
				"AAC":          "aac.png",
				"FLAC":         "flac.png",
				"MP3":          "mp3.png",
			},
		},
	},
	KeyBadgeResolution: {
		"General": map[string]interface{}{
			"enabled":            true,
			"badge_size":         200,
			"edge_padding":       30,
			"badge_position":     "top-left",
			"text_padding":       12,
			"use_dynamic_sizing": true,
		},
		"Text": map[string]interface{}{
			"font_size":  60,
			"text_color": "#FFFFFF",
		},
		"Background": map[string]interface{}{
			"background_color":   "#000000",
			"background_opacity": 60,
			"corner_radius":      10,
		},
		"ImageBadges": map[string]interface{}{
			"enable_image_badges": true,
			"image_padding":       10,
			"image_mapping": map[string]interface{}{
				"8k":        "8k.png",
				"8k-hdr":    "8k-hdr.png",
				"8k-dv":     "8k-dv.png",
				"4k":        "4k.png",
				"4k-hdr":    "4k-hdr.png",
				"4k-dv":     "4k-dv.png",
				"1080p":     "1080p.png",
				"1080p-hdr": "1080p-hdr.png",
				"720p":      "720p.png",
				"576p":      "576p.png",
				"480p":      "480p.png",
			},
		},
	},
	KeyBadgeReview: {
		"General": map[string]interface{}{
			"enabled":        true,
			"badge_size":     140,
			"edge_padding":   30,
			"badge_position": "bottom-left",
			"text_padding":   12,
		},
		"Text": map[string]interface{}{
			"font_size":  55,
			"text_color": "#FFFFFF",
		},
		"Background": map[string]interface{}{
			"background_color":   "#2C2C2C",
			"background_opacity": 70,
			"corner_radius":      10,
		},
	},
	KeyBadgeAwards: {
		"General": map[string]interface{}{
			"enabled":        true,
			"badge_size":     220,
			"edge_padding":   0,
			"badge_position": "bottom-right",
			"color_scheme":   "black",
		},
		"Sources": map[string]interface{}{
			"priority": []interface{}{"oscars", "cannes", "golden", "bafta", "emmys", "crunchyroll"},
			"winners":  map[string]interface{}{},
		},
	},
	KeyReviewSources: {
		"minimum_votes": 100,
		"max_badges":    1,
		"sources": map[string]interface{}{
			"community": map[string]interface{}{"enabled": true, "weight": 1.0},
			"critic":    map[string]interface{}{"enabled": true, "weight": 1.0},
		},
	},
}

// SeedDefaults writes the default documents for any key the store is
// missing. Existing documents are left untouched.
func (s *Service) SeedDefaults() error {
	for key, doc := range defaultDocs {
		existing, err := s.repo.Get(key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := s.Put(key, doc); err != nil {
			return err
		}
	}
	return nil
}
