package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer file.Close()

	var out []Record
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("Invalid trace line %q: %v", sc.Text(), err)
		}
		out = append(out, r)
	}
	return out
}

func TestFileExporter_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "lore.jsonl")
	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}

	for i, op := range []string{"retrieve", "resolve"} {
		err := exp.Export(context.Background(), &Record{
			Timestamp:  time.Date(2026, 1, 14, 10, 30, i, 0, time.UTC),
			ID:         op + "-1",
			Operation:  op,
			DurationMs: 3,
			Status:     "success",
			Counters:   map[string]int64{"selected": 2},
			IDs:        map[string][]string{"memories": {"a", "b"}},
		})
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
	}
	if err := exp.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[1].Operation != "resolve" {
		t.Errorf("Expected second operation resolve, got %q", records[1].Operation)
	}
	if records[0].Counters["selected"] != 2 {
		t.Errorf("Expected counter selected=2, got %v", records[0].Counters)
	}
	if len(records[0].IDs["memories"]) != 2 {
		t.Errorf("Expected 2 memory ids, got %v", records[0].IDs)
	}
}

func TestFileExporter_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lore.jsonl")
	exp, err := NewFileExporter(path, WithMaxSize(1), WithMaxFiles(2))
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}
	defer exp.Close()

	for i := 0; i < 4; i++ {
		if err := exp.Export(context.Background(), &Record{ID: string(rune('a' + i)), Operation: "get"}); err != nil {
			t.Fatalf("Export %d failed: %v", i, err)
		}
	}

	// Every write crosses the 1 byte limit, so the live file is empty and
	// the two newest records are kept in .1 and .2.
	if got := readRecords(t, path+".1"); len(got) != 1 || got[0].ID != "d" {
		t.Errorf("Expected .1 to hold record d, got %+v", got)
	}
	if got := readRecords(t, path+".2"); len(got) != 1 || got[0].ID != "c" {
		t.Errorf("Expected .2 to hold record c, got %+v", got)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("Expected no .3 file, stat returned %v", err)
	}
}

func TestFileExporter_ExportAfterClose(t *testing.T) {
	exp, err := NewFileExporter(filepath.Join(t.TempDir(), "lore.jsonl"))
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
	if err := exp.Export(context.Background(), &Record{}); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestNewFileExporter_EmptyPathIsNoop(t *testing.T) {
	exp, err := NewFileExporter("")
	if err != nil {
		t.Fatalf("NewFileExporter(\"\") failed: %v", err)
	}
	if _, ok := exp.(NoopExporter); !ok {
		t.Fatalf("Expected NoopExporter, got %T", exp)
	}
	if err := exp.Export(context.Background(), &Record{}); err != nil {
		t.Errorf("Noop export failed: %v", err)
	}
}
