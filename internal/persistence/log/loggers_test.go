package log

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"tilegrid.ai/internal/sim/world"
)

func TestTickLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)
	for tick := uint64(1); tick <= 3; tick++ {
		if err := l.WriteTick(world.TickLogEntry{Tick: tick, Commits: int(tick), Digest: "d"}); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(filepath.Join(dir, "events"), "events")
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	var got []world.TickLogEntry
	err = ReadJSONL(files[0], func(line []byte) error {
		var e world.TickLogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(got) != 3 || got[2].Tick != 3 || got[2].Commits != 3 {
		t.Fatalf("entries=%+v", got)
	}
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "audit")
	base := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return base }
	if err := w.Write(world.AuditEntry{Tick: 1, Action: "ADD"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := w.Write(world.AuditEntry{Tick: 2, Action: "REMOVE"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(dir, "audit")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []string{
		filepath.Join(dir, "audit-2026-03-01-10.jsonl.zst"),
		filepath.Join(dir, "audit-2026-03-01-11.jsonl.zst"),
	}
	if len(files) != 2 || files[0] != want[0] || files[1] != want[1] {
		t.Fatalf("files=%v", files)
	}
	lines := 0
	for _, f := range files {
		if err := ReadJSONL(f, func([]byte) error { lines++; return nil }); err != nil {
			t.Fatalf("ReadJSONL: %v", err)
		}
	}
	if lines != 2 {
		t.Fatalf("lines=%d", lines)
	}
}
