/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logbuffer

import (
	"bytes"
	"testing"
	"time"
)

func TestRingKeepsNewest(t *testing.T) {
	b := New(3)
	for i, msg := range []string{"a", "b", "c", "d"} {
		b.Add(LogEntry{Message: msg, Timestamp: time.Unix(int64(i), 0)})
	}
	all := b.GetAll()
	if len(all) != 3 || all[0].Message != "b" || all[2].Message != "d" {
		t.Fatalf("unexpected entries %+v", all)
	}
}

func TestQueryFilters(t *testing.T) {
	b := New(10)
	b.Add(LogEntry{Level: "info", Message: "client joined room", RoomID: "r1"})
	b.Add(LogEntry{Level: "warn", Message: "stream failed", RoomID: "r1"})
	b.Add(LogEntry{Level: "info", Message: "client joined room", RoomID: "r2"})
	b.Add(LogEntry{Level: "info", Message: "track added", RoomID: "r1"})

	if got := b.Query(QueryParams{RoomID: "r1", Level: "info"}); len(got) != 2 {
		t.Fatalf("room+level filter returned %d entries", len(got))
	}
	if got := b.Query(QueryParams{Search: "JOINED"}); len(got) != 2 {
		t.Fatalf("search returned %d entries", len(got))
	}
	got := b.Query(QueryParams{Limit: 1})
	if len(got) != 1 || got[0].Message != "track added" {
		t.Fatalf("limit kept %+v, want newest entry", got)
	}
}

func TestWriterParsesZerologLines(t *testing.T) {
	b := New(10)
	var out bytes.Buffer
	w := NewWriter(b, &out)

	line := []byte(`{"level":"info","component":"room","room_id":"r1","track_id":"t1","time":1700000000,"message":"track finished"}` + "\n")
	if _, err := w.Write(line); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write([]byte("not json\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	all := b.GetAll()
	if len(all) != 1 {
		t.Fatalf("captured %d entries, want 1", len(all))
	}
	e := all[0]
	if e.Level != "info" || e.Component != "room" || e.RoomID != "r1" || e.Message != "track finished" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Fields["track_id"] != "t1" || !e.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected fields/timestamp %+v", e)
	}
	if out.Len() == 0 {
		t.Fatal("fallback writer received nothing")
	}
}
