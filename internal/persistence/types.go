package persistence

import "time"

// Stats counts the rows of the cache tables.
type Stats struct {
	Channels  int `json:"channels"`
	Videos    int `json:"videos"`
	Subtitles int `json:"subtitles"`
}

// ChannelRecord is the stored header of a resolved channel listing.
type ChannelRecord struct {
	Key        string    `json:"key"`
	URL        string    `json:"url"`
	ChannelID  string    `json:"channel_id"`
	Name       string    `json:"name"`
	VideoCount int       `json:"video_count"`
	ResolvedAt time.Time `json:"resolved_at"`
}
