package detection

import (
	"strings"

	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
	"github.com/aphrodite-server/aphrodite/internal/settings"
)

// AwardInfo names the award source an item matched.
type AwardInfo struct {
	Source string `json:"source"`
}

var defaultAwardPriority = []string{"oscars", "cannes", "golden", "bafta", "emmys", "crunchyroll"}

// AwardsDetector maps provider ids to known award sources. The winner
// lists live in the badge_settings_awards document under Sources.winners.
type AwardsDetector struct {
	settings DocumentSource
}

func (d *AwardsDetector) Detect(item *jellyfin.Item) (*AwardInfo, error) {
	doc, err := d.settings.Document(settings.KeyBadgeAwards)
	if err != nil {
		return nil, err
	}
	sources := doc.Section("Sources")
	priority := sources.Strings("priority")
	if len(priority) == 0 {
		priority = defaultAwardPriority
	}
	winners := sources.Section("winners")
	if winners == nil {
		return nil, nil
	}

	ids := providerIDs(item)
	if len(ids) == 0 {
		return nil, nil
	}
	for _, source := range priority {
		for _, winner := range winners.Strings(source) {
			if ids[strings.ToLower(winner)] {
				return &AwardInfo{Source: source}, nil
			}
		}
	}
	return nil, nil
}

func providerIDs(item *jellyfin.Item) map[string]bool {
	out := make(map[string]bool, len(item.ProviderIDs))
	for _, id := range item.ProviderIDs {
		if id != "" {
			out[strings.ToLower(id)] = true
		}
	}
	return out
}
