/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package musicbrainz

import (
	"regexp"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

var (
	remixRe     = regexp.MustCompile(`(?i)remix|mix|edit`)
	featRe      = regexp.MustCompile(`(?i)(?:ft\.|feat\.|featuring)\s+(.*?)(?:\)|\]|$)`)
	featSplitRe = regexp.MustCompile(`,|&`)

	cleanRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\(Official.*?\)`),
		regexp.MustCompile(`(?i)\[Official.*?\]`),
		regexp.MustCompile(`(?i)\(ft\..*?\)`),
		regexp.MustCompile(`(?i)\(feat\..*?\)`),
		regexp.MustCompile(`(?i)ft\..*`),
		regexp.MustCompile(`(?i)feat\..*`),
	}
	spaceRe = regexp.MustCompile(`\s+`)
)

// CleanTitle strips video decorations ("(Official Video)", featured artist
// suffixes, pipes) and collapses whitespace.
func CleanTitle(s string) string {
	for _, re := range cleanRes {
		s = re.ReplaceAllString(s, "")
	}
	s = strings.ReplaceAll(s, "|", " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// BuildQuery turns "Artist - Title (feat. X)" into a fielded Lucene query.
// Titles without an artist separator are searched verbatim.
func BuildQuery(raw string) string {
	parts := strings.Split(raw, " - ")
	if len(parts) < 2 {
		return raw
	}
	artist := strings.TrimSpace(parts[0])
	rest := strings.TrimSpace(strings.Join(parts[1:], " - "))

	var feat []string
	if m := featRe.FindStringSubmatch(rest); len(m) > 1 && m[1] != "" {
		for _, name := range featSplitRe.Split(m[1], -1) {
			if name = strings.TrimSpace(name); name != "" {
				feat = append(feat, name)
			}
		}
	}

	var b strings.Builder
	b.WriteString(`artist:"` + artist + `" AND recording:"` + CleanTitle(rest) + `"`)
	for _, name := range feat {
		b.WriteString(` AND "` + name + `"`)
	}
	if !remixRe.MatchString(rest) {
		b.WriteString(` AND NOT recording:"remix"`)
	}
	return b.String()
}

// Similarity is the normalized Levenshtein similarity of a and b in [0, 1].
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return strutil.Similarity(a, b, metrics.NewLevenshtein())
}

// BestSimilarity scores a recording against the raw title, both as
// "artist - title" and as the bare title.
func BestSimilarity(rawTitle, artist, title string) float64 {
	raw := strings.ToLower(CleanTitle(rawTitle))
	withArtist := strings.ToLower(CleanTitle(artist + " - " + title))
	bare := strings.ToLower(CleanTitle(title))
	return max(Similarity(raw, withArtist), Similarity(raw, bare))
}
