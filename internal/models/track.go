/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package models holds the data types shared between rooms, schedulers and
// the client protocol.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SearchPrefix marks a deferred track whose playable source is a search query.
const SearchPrefix = "ytsearch1:"

// UnknownDuration is shown until a track's duration is resolved.
const UnknownDuration = "??:??"

// Track is one queued or playing item.
type Track struct {
	ID             string  `json:"id"`
	URL            string  `json:"url"`
	Title          string  `json:"title"`
	CleanTitle     string  `json:"cleanTitle"`
	Artist         string  `json:"artist,omitempty"`
	Duration       string  `json:"duration"`
	DurationSec    float64 `json:"durationSec"`
	Thumbnail      string  `json:"thumbnail,omitempty"`
	AddedBy        string  `json:"addedBy"`
	AddedAt        int64   `json:"addedAt"` // Unix milliseconds
	IsSearch       bool    `json:"isSearch,omitempty"`
	ResolverFailed bool    `json:"resolverFailed,omitempty"`
}

// NewTrack returns a track with a fresh id stamped at now.
func NewTrack(url, title, addedBy string, now time.Time) *Track {
	if addedBy == "" {
		addedBy = "Anonymous"
	}
	return &Track{
		ID:         uuid.NewString(),
		URL:        url,
		Title:      title,
		CleanTitle: title,
		Duration:   UnknownDuration,
		AddedBy:    addedBy,
		AddedAt:    now.UnixMilli(),
		IsSearch:   strings.HasPrefix(url, SearchPrefix),
	}
}

// IsPlaceholder reports whether the url is still a search query.
func (t *Track) IsPlaceholder() bool {
	return strings.HasPrefix(t.URL, SearchPrefix)
}

// NeedsResolution reports whether the pipeline must resolve the source and
// duration before fetching.
func (t *Track) NeedsResolution() bool {
	return t.DurationSec <= 0 || t.IsSearch || t.IsPlaceholder()
}

// DisplayTitle prefers the enriched title.
func (t *Track) DisplayTitle() string {
	if t.CleanTitle != "" {
		return t.CleanTitle
	}
	return t.Title
}

// Clone returns a copy safe to hand to another goroutine.
func (t *Track) Clone() *Track {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// ApplySource copies the resolved locator and duration from info.
func (t *Track) ApplySource(info *SourceInfo) {
	if info == nil {
		return
	}
	url, dur, durStr := info.Playable(t.URL)
	t.URL = url
	if dur > 0 {
		t.DurationSec = dur
		if durStr == "" {
			durStr = FormatDuration(dur)
		}
		t.Duration = durStr
	}
	t.IsSearch = false
}

// FormatDuration renders seconds as m:ss.
func FormatDuration(seconds float64) string {
	if seconds <= 0 {
		return UnknownDuration
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
