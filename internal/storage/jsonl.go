package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// jsonlRecord is one audit line.
type jsonlRecord struct {
	Event   string      `json:"event"`
	At      string      `json:"at"`
	Payload interface{} `json:"payload"`
}

// JsonlSink appends swap-lifecycle envelopes to a JSONL file.
type JsonlSink struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewJsonlSink builds a sink for the given path.
func NewJsonlSink(path string, logger *zap.Logger) *JsonlSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JsonlSink{path: path, logger: logger}
}

// Emit appends one envelope as a JSON line.
func (s *JsonlSink) Emit(event string, payload interface{}) {
	record := jsonlRecord{
		Event:   event,
		At:      time.Now().UTC().Format(time.RFC3339Nano),
		Payload: payload,
	}

	line, err := json.Marshal(record)
	if err != nil {
		s.logger.Warn("audit marshal failed", zap.String("event", event), zap.Error(err))
		return
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.logger.Warn("audit dir create failed", zap.Error(err))
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("audit open failed", zap.Error(err))
		return
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if _, err := writer.Write(line); err != nil {
		s.logger.Warn("audit write failed", zap.Error(err))
		return
	}
	if err := writer.WriteByte('\n'); err != nil {
		s.logger.Warn("audit write failed", zap.Error(err))
		return
	}
	if err := writer.Flush(); err != nil {
		s.logger.Warn("audit flush failed", zap.Error(err))
	}
}

// Close is a no-op; the file is opened per append.
func (s *JsonlSink) Close() {}
