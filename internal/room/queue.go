/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package room

import (
	"math/rand/v2"
	"sort"

	"github.com/friendsincode/listenroom/internal/models"
)

// reorder returns the queue arranged for mode. Unknown modes leave it as is.
func reorder(queue []*models.Track, mode models.QueueMode) []*models.Track {
	if len(queue) <= 1 {
		return queue
	}
	switch mode {
	case models.QueueClassic:
		sort.SliceStable(queue, func(i, j int) bool { return queue[i].AddedAt < queue[j].AddedAt })
	case models.QueueRoundRobin:
		return roundRobin(queue)
	case models.QueueShuffle:
		rand.Shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })
	}
	return queue
}

// roundRobin interleaves one track per contributor. Each contributor's tracks
// keep their insertion order; contributors are ordered by their earliest
// insertion.
func roundRobin(queue []*models.Track) []*models.Track {
	byUser := make(map[string][]*models.Track)
	var users []string
	for _, t := range queue {
		key := t.AddedBy
		if key == "" {
			key = "Anonymous"
		}
		if _, ok := byUser[key]; !ok {
			users = append(users, key)
		}
		byUser[key] = append(byUser[key], t)
	}
	for _, tracks := range byUser {
		sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].AddedAt < tracks[j].AddedAt })
	}
	sort.SliceStable(users, func(i, j int) bool {
		return byUser[users[i]][0].AddedAt < byUser[users[j]][0].AddedAt
	})

	out := make([]*models.Track, 0, len(queue))
	for len(out) < len(queue) {
		for _, u := range users {
			if tracks := byUser[u]; len(tracks) > 0 {
				out = append(out, tracks[0])
				byUser[u] = tracks[1:]
			}
		}
	}
	return out
}
