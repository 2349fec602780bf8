package logbus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func TestFileWriterWritesAndDecompresses(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWriter(FileWriterConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	if err := fw.Consume(context.Background(), Record{Kind: KindDelivery, MessageID: "m1"}); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one segment file, got %d", len(entries))
	}

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()
	decoded, err := dec.DecodeAll(raw, nil)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if !contains(string(decoded), "m1") {
		t.Fatalf("decoded segment does not contain the written record: %s", decoded)
	}
}

func TestFileWriterRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWriter(FileWriterConfig{Dir: dir, MaxSegmentBytes: 1})
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	defer fw.Close()

	for i := 0; i < 3; i++ {
		if err := fw.Consume(context.Background(), Record{Kind: KindDelivery, MessageID: "m"}); err != nil {
			t.Fatalf("Consume: %v", err)
		}
	}

	if fw.segmentNo < 2 {
		t.Fatalf("expected at least one rotation with a 1-byte size limit, segmentNo=%d", fw.segmentNo)
	}
}

func TestFileWriterRotatesOnAge(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWriter(FileWriterConfig{Dir: dir, MaxSegmentAge: time.Nanosecond})
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	defer fw.Close()

	if err := fw.Consume(context.Background(), Record{Kind: KindDelivery}); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	time.Sleep(time.Millisecond)
	if err := fw.Consume(context.Background(), Record{Kind: KindDelivery}); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if fw.segmentNo < 2 {
		t.Fatalf("expected rotation once the segment exceeded its age limit, segmentNo=%d", fw.segmentNo)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
