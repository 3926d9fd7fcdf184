package jellyfin

// Wire types for the Jellyfin REST surface. Field names follow the server's
// PascalCase JSON.

type SystemInfo struct {
	ServerName      string `json:"ServerName"`
	Version         string `json:"Version"`
	ID              string `json:"Id"`
	OperatingSystem string `json:"OperatingSystem"`
}

type Library struct {
	ID             string   `json:"ItemId"`
	Name           string   `json:"Name"`
	CollectionType string   `json:"CollectionType"`
	Locations      []string `json:"Locations"`
}

type MediaStream struct {
	Type           string  `json:"Type"`
	Codec          string  `json:"Codec"`
	Profile        string  `json:"Profile,omitempty"`
	Language       string  `json:"Language,omitempty"`
	Channels       int     `json:"Channels,omitempty"`
	ChannelLayout  string  `json:"ChannelLayout,omitempty"`
	BitRate        int64   `json:"BitRate,omitempty"`
	SampleRate     int     `json:"SampleRate,omitempty"`
	BitDepth       int     `json:"BitDepth,omitempty"`
	Width          int     `json:"Width,omitempty"`
	Height         int     `json:"Height,omitempty"`
	IsDefault      bool    `json:"IsDefault,omitempty"`
	DisplayTitle   string  `json:"DisplayTitle,omitempty"`
	VideoRange     string  `json:"VideoRange,omitempty"`
	VideoRangeType string  `json:"VideoRangeType,omitempty"`
	AverageFrameRate float64 `json:"AverageFrameRate,omitempty"`
}

type MediaSource struct {
	ID           string        `json:"Id"`
	Container    string        `json:"Container,omitempty"`
	Size         int64         `json:"Size,omitempty"`
	Bitrate      int64         `json:"Bitrate,omitempty"`
	MediaStreams []MediaStream `json:"MediaStreams,omitempty"`
}

type Studio struct {
	Name string `json:"Name"`
	ID   string `json:"Id,omitempty"`
}

// Item carries the essential metadata fields of a library item. The full set
// is echoed back on tag updates; the server's update endpoint replaces the
// item wholesale, so dropping fields here would corrupt it.
type Item struct {
	ID               string            `json:"Id"`
	Name             string            `json:"Name"`
	Type             string            `json:"Type"`
	Path             string            `json:"Path,omitempty"`
	Overview         string            `json:"Overview,omitempty"`
	Tags             []string          `json:"Tags"`
	Genres           []string          `json:"Genres,omitempty"`
	Studios          []Studio          `json:"Studios,omitempty"`
	ProviderIDs      map[string]string `json:"ProviderIds,omitempty"`
	ProductionYear   int               `json:"ProductionYear,omitempty"`
	PremiereDate     string            `json:"PremiereDate,omitempty"`
	DateCreated      string            `json:"DateCreated,omitempty"`
	CommunityRating  float64           `json:"CommunityRating,omitempty"`
	CriticRating     float64           `json:"CriticRating,omitempty"`
	OfficialRating   string            `json:"OfficialRating,omitempty"`
	LockedFields     []string          `json:"LockedFields"`
	SeriesID         string            `json:"SeriesId,omitempty"`
	ParentID         string            `json:"ParentId,omitempty"`
	IndexNumber      int               `json:"IndexNumber,omitempty"`
	ParentIndexNumber int              `json:"ParentIndexNumber,omitempty"`
	ImageTags        map[string]string `json:"ImageTags,omitempty"`
	MediaStreams     []MediaStream     `json:"MediaStreams,omitempty"`
	MediaSources     []MediaSource     `json:"MediaSources,omitempty"`
}

// HasPrimaryImage reports whether the server advertises a primary image.
func (it *Item) HasPrimaryImage() bool {
	if it.ImageTags == nil {
		return false
	}
	_, ok := it.ImageTags["Primary"]
	return ok
}

// AudioStreams returns the audio-type media streams, preferring the item's
// own streams and falling back to the first media source.
func (it *Item) AudioStreams() []MediaStream {
	streams := it.MediaStreams
	if len(streams) == 0 && len(it.MediaSources) > 0 {
		streams = it.MediaSources[0].MediaStreams
	}
	var out []MediaStream
	for _, s := range streams {
		if s.Type == "Audio" {
			out = append(out, s)
		}
	}
	return out
}

// VideoStream returns the first video-type stream, or nil.
func (it *Item) VideoStream() *MediaStream {
	streams := it.MediaStreams
	if len(streams) == 0 && len(it.MediaSources) > 0 {
		streams = it.MediaSources[0].MediaStreams
	}
	for i := range streams {
		if streams[i].Type == "Video" {
			return &streams[i]
		}
	}
	return nil
}

type itemsResponse struct {
	Items            []Item `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
}
