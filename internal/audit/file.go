package audit

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileSink appends JSON lines to a compliance log file. Each line is formatted
// by logrus and written synchronously so that Emit can report write errors.
type FileSink struct {
	mu        sync.Mutex
	file      *os.File
	logger    *logrus.Logger
	formatter logrus.Formatter
}

// NewFileSink opens (or creates) path for appending
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}

	logger := logrus.New()
	logger.SetOutput(f)
	return &FileSink{
		file:      f,
		logger:    logger,
		formatter: &logrus.JSONFormatter{},
	}, nil
}

func (s *FileSink) Name() string { return "file:" + s.file.Name() }

func (s *FileSink) Emit(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	le := s.logger.WithFields(logrus.Fields{
		"audit_id":       e.ID,
		"kind":           e.Kind,
		"operation_id":   e.OperationID,
		"user_id":        e.UserID,
		"job_id":         e.JobID,
		"model":          e.Model,
		"estimated_cost": e.EstimatedCost,
		"alert_type":     e.AlertType,
		"severity":       e.Severity,
		"prev_hash":      e.PrevHash,
		"hash":           e.Hash,
	})
	le.Time = e.Timestamp
	le.Level = logrus.InfoLevel
	le.Message = string(e.Kind)
	if e.Message != "" {
		le.Message = e.Message
	}

	line, err := s.formatter.Format(le)
	if err != nil {
		return fmt.Errorf("failed to format audit line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to write audit line: %w", err)
	}
	return s.file.Sync()
}

// Close closes the underlying file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
