package logbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// FileWriterConfig configures a FileWriter.
type FileWriterConfig struct {
	Dir             string
	MaxSegmentBytes int64         // rotate once the current segment exceeds this size
	MaxSegmentAge   time.Duration // rotate once the current segment has been open this long
}

// FileWriter is the local append-only log-file Consumer described by
// spec.md §4.9: zstd-compressed segments, rotated by size or duration.
// Grounded on internal/spool's durable-write discipline (create in the
// target directory, fsync before the segment is considered complete) —
// log segments are append-only rather than write-tmp-rename since they
// are rotated rather than atomically replaced, but every completed
// segment is fsynced before rotation closes it.
type FileWriter struct {
	cfg FileWriterConfig

	mu        sync.Mutex
	file      *os.File
	zw        *zstd.Encoder
	openedAt  time.Time
	written   int64
	segmentNo int
}

// NewFileWriter opens (or creates) cfg.Dir and starts the first segment.
func NewFileWriter(cfg FileWriterConfig) (*FileWriter, error) {
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = 64 << 20 // 64MiB
	}
	if cfg.MaxSegmentAge <= 0 {
		cfg.MaxSegmentAge = time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("logbus: create log dir: %w", err)
	}
	fw := &FileWriter{cfg: cfg}
	if err := fw.rotateLocked(); err != nil {
		return nil, err
	}
	return fw, nil
}

func (fw *FileWriter) Name() string { return "file" }

func (fw *FileWriter) Accept(Record) bool { return true }

// Consume appends rec as one JSON line to the current segment, rotating
// first if the segment has grown past its size/age limit.
func (fw *FileWriter) Consume(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("logbus: marshal record: %w", err)
	}
	payload = append(payload, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.written > 0 && (fw.written+int64(len(payload)) > fw.cfg.MaxSegmentBytes || time.Since(fw.openedAt) > fw.cfg.MaxSegmentAge) {
		if err := fw.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := fw.zw.Write(payload)
	fw.written += int64(n)
	if err != nil {
		return fmt.Errorf("logbus: write record: %w", err)
	}
	return nil
}

// rotateLocked closes the current segment (if any) and opens a fresh
// one. Must be called with fw.mu held.
func (fw *FileWriter) rotateLocked() error {
	if fw.zw != nil {
		if err := fw.zw.Close(); err != nil {
			return fmt.Errorf("logbus: close zstd segment: %w", err)
		}
		if err := fw.file.Sync(); err != nil {
			return fmt.Errorf("logbus: fsync segment: %w", err)
		}
		if err := fw.file.Close(); err != nil {
			return fmt.Errorf("logbus: close segment: %w", err)
		}
	}

	fw.segmentNo++
	name := fmt.Sprintf("logbus-%d-%03d.jsonl.zst", time.Now().Unix(), fw.segmentNo)
	f, err := os.OpenFile(filepath.Join(fw.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("logbus: create segment: %w", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("logbus: start zstd encoder: %w", err)
	}

	fw.file = f
	fw.zw = zw
	fw.openedAt = time.Now()
	fw.written = 0
	return nil
}

// Close flushes and closes the current segment.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.zw == nil {
		return nil
	}
	if err := fw.zw.Close(); err != nil {
		return err
	}
	if err := fw.file.Sync(); err != nil {
		return err
	}
	return fw.file.Close()
}
