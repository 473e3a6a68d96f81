package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestJsonlSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "swaps.jsonl")
	sink := NewJsonlSink(path, nil)

	sink.Emit("swap:pending", map[string]string{"txHash": "0xabc"})
	sink.Emit("swap:confirmed", map[string]string{"txHash": "0xabc"})

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer file.Close()

	var lines []jsonlRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record jsonlRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("bad line: %v", err)
		}
		lines = append(lines, record)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[0].Event != "swap:pending" || lines[1].Event != "swap:confirmed" {
		t.Fatalf("events out of order: %+v", lines)
	}
	if lines[0].At == "" {
		t.Fatalf("missing timestamp")
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	dir := t.TempDir()
	a := NewJsonlSink(filepath.Join(dir, "a.jsonl"), nil)
	b := NewJsonlSink(filepath.Join(dir, "b.jsonl"), nil)

	multi := Multi{a, b}
	multi.Emit("swap:failed", map[string]string{"txHash": "0xdef"})
	multi.Close()

	for _, name := range []string{"a.jsonl", "b.jsonl"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(data) == 0 {
			t.Fatalf("%s is empty", name)
		}
	}
}
