package version

import (
	"encoding/json"
	"log"
	"os"
)

const versionFile = "version.json"

// Info is the deployed release. The version string is surfaced on
// /health and stamped onto every activity row.
type Info struct {
	Version string `json:"version"`
}

// Load reads version.json from the working directory; deployments bake
// the file into the image. A missing or malformed file falls back to a
// dev placeholder rather than failing startup.
func Load() Info {
	fallback := Info{Version: "0.0.0-dev"}
	data, err := os.ReadFile(versionFile)
	if err != nil {
		log.Printf("version: %s not readable, reporting %s: %v", versionFile, fallback.Version, err)
		return fallback
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil || info.Version == "" {
		log.Printf("version: %s is malformed, reporting %s", versionFile, fallback.Version)
		return fallback
	}
	return info
}
