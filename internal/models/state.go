/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

// QueueMode selects how the queue is ordered.
type QueueMode string

const (
	QueueClassic    QueueMode = "classic"
	QueueRoundRobin QueueMode = "roundrobin"
	QueueShuffle    QueueMode = "shuffle"
)

// ParseQueueMode validates a client supplied mode.
func ParseQueueMode(s string) (QueueMode, bool) {
	switch QueueMode(s) {
	case QueueClassic, QueueRoundRobin, QueueShuffle:
		return QueueMode(s), true
	}
	return "", false
}

// ClientInfo identifies a connected listener.
type ClientInfo struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// RoomState is the UPDATE message broadcast to every room socket. Times are
// Unix milliseconds. Clients compute elapsed time as
// serverTime - (startedAt + totalPausedDuration).
type RoomState struct {
	Type                string       `json:"type"`
	Queue               []Track      `json:"queue"`
	QueueMode           QueueMode    `json:"queueMode"`
	CurrentTrack        *Track       `json:"currentTrack"`
	IsPlaying           bool         `json:"isPlaying"`
	IsPaused            bool         `json:"isPaused"`
	StartedAt           *int64       `json:"startedAt"`
	TotalPausedDuration int64        `json:"totalPausedDuration"`
	PausedAt            *int64       `json:"pausedAt,omitempty"`
	ServerTime          int64        `json:"serverTime"`
	Clients             []ClientInfo `json:"clients"`
}

// MessageUpdate is the type tag of RoomState.
const MessageUpdate = "UPDATE"
