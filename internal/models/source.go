/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "strings"

// Thumbnail is one artwork candidate.
type Thumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// SourceInfo is the subset of a yt-dlp --dump-single-json document the
// server reads. Native backends fill the same shape.
type SourceInfo struct {
	Type           string       `json:"_type,omitempty"`
	ID             string       `json:"id,omitempty"`
	Title          string       `json:"title,omitempty"`
	Uploader       string       `json:"uploader,omitempty"`
	URL            string       `json:"url,omitempty"`
	WebpageURL     string       `json:"webpage_url,omitempty"`
	Duration       float64      `json:"duration,omitempty"`
	DurationString string       `json:"duration_string,omitempty"`
	Thumbnail      string       `json:"thumbnail,omitempty"`
	Thumbnails     []Thumbnail  `json:"thumbnails,omitempty"`
	Entries        []SourceInfo `json:"entries,omitempty"`
}

// IsPlaylist reports whether the document lists entries instead of one item.
func (s *SourceInfo) IsPlaylist() bool {
	return s.Type == "playlist" || len(s.Entries) > 0
}

// Playable picks the locator, duration and duration string of the first
// playable result. fallback is returned when nothing better is known.
func (s *SourceInfo) Playable(fallback string) (string, float64, string) {
	url := firstNonEmpty(s.WebpageURL, s.URL, fallback)
	dur, durStr := s.Duration, s.DurationString

	if len(s.Entries) > 0 {
		e := s.Entries[0]
		url = firstNonEmpty(e.WebpageURL, e.URL, url)
		dur, durStr = e.Duration, e.DurationString
	}

	// Direct media URLs expire; keep the page URL when we have one.
	if s.WebpageURL != "" && strings.Contains(url, "googlevideo.com") {
		url = s.WebpageURL
	}
	return url, dur, durStr
}

// EntryURL returns the watch URL for a flat playlist entry.
func (s *SourceInfo) EntryURL() string {
	if s.URL != "" {
		return s.URL
	}
	if s.WebpageURL != "" {
		return s.WebpageURL
	}
	if s.ID != "" {
		return "https://www.youtube.com/watch?v=" + s.ID
	}
	return ""
}

// BestThumbnail returns the explicit thumbnail or the last (largest) candidate.
func (s *SourceInfo) BestThumbnail() string {
	if s.Thumbnail != "" {
		return s.Thumbnail
	}
	if n := len(s.Thumbnails); n > 0 {
		return s.Thumbnails[n-1].URL
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
