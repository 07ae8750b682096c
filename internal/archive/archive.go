// Package archive implements the best-effort JSONL sink.
//
// Records are appended to hourly shard files under the configured directory
// (feed-20260825T13.jsonl). The sink is strictly non-blocking toward its
// producers: a full channel drops the record and bumps the drop hook.
// Consumers recover by replaying shards; nothing in the live path reads them.
package archive

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

const (
	queueSize     = 4096
	flushInterval = 2 * time.Second
)

// Record is one archived event.
type Record struct {
	Symbol  string          `json:"symbol"`
	TS      int64           `json:"ts"`
	Type    string          `json:"type"` // orderbook | trade | funding
	Payload json.RawMessage `json:"payload"`
}

// Sink writes records to hourly JSONL shards.
type Sink struct {
	dir    string
	queue  chan Record
	onDrop func()

	file   *os.File
	writer *bufio.Writer
	shard  time.Time // truncated to the hour

	logger *slog.Logger
}

// NewSink creates a sink writing under dir. onDrop (optional) is called once
// per dropped record.
func NewSink(dir string, onDrop func(), logger *slog.Logger) *Sink {
	return &Sink{
		dir:    dir,
		queue:  make(chan Record, queueSize),
		onDrop: onDrop,
		logger: logger.With("component", "archive"),
	}
}

// Write enqueues one record. Never blocks; drops on back-pressure.
func (s *Sink) Write(rec Record) {
	select {
	case s.queue <- rec:
	default:
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// Run consumes the queue until ctx is cancelled, then flushes and closes the
// current shard.
func (s *Sink) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("archive dir: %w", err)
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued before closing.
			for {
				select {
				case rec := <-s.queue:
					s.append(rec)
				default:
					return nil
				}
			}

		case rec := <-s.queue:
			s.append(rec)

		case <-ticker.C:
			if s.writer != nil {
				if err := s.writer.Flush(); err != nil {
					s.logger.Error("archive flush failed", "error", err)
				}
			}
		}
	}
}

func (s *Sink) append(rec Record) {
	hour := time.UnixMilli(rec.TS).UTC().Truncate(time.Hour)
	if s.file == nil || !hour.Equal(s.shard) {
		if err := s.rotate(hour); err != nil {
			s.logger.Error("archive rotate failed", "error", err)
			return
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("archive marshal failed", "error", err, "symbol", rec.Symbol)
		return
	}
	s.writer.Write(line)
	s.writer.WriteByte('\n')
}

func (s *Sink) rotate(hour time.Time) error {
	s.close()

	name := fmt.Sprintf("feed-%s.jsonl", hour.Format("20060102T15"))
	file, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open shard %s: %w", name, err)
	}

	s.file = file
	s.writer = bufio.NewWriter(file)
	s.shard = hour
	s.logger.Info("archive shard opened", "file", name)
	return nil
}

func (s *Sink) close() {
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file != nil {
		s.file.Close()
	}
	s.file = nil
	s.writer = nil
}
