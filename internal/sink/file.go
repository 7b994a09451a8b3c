package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

// FileSink appends security events to a JSON lines file. With compression
// enabled the file is a zstd stream flushed after every event, so a crash
// loses at most the event being written.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	zw   *zstd.Encoder
	w    io.Writer
	path string
}

// NewFileSink opens path for appending. Compressed output goes to path with
// a .zst suffix; each process run appends a new zstd frame.
func NewFileSink(path string, compress bool) (*FileSink, error) {
	if compress {
		path += ".zst"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	s := &FileSink{f: f, w: f, path: path}
	if compress {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		s.zw = zw
		s.w = zw
	}
	return s, nil
}

func (s *FileSink) Name() string { return "file" }

// Path returns the file being written
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) PersistSecurityEvent(_ context.Context, ev model.SecurityEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	if s.zw != nil {
		if err := s.zw.Flush(); err != nil {
			return fmt.Errorf("failed to flush audit log: %w", err)
		}
	}
	return nil
}

// Close finishes the compressed stream and closes the file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	var zerr error
	if s.zw != nil {
		zerr = s.zw.Close()
	}
	err := s.f.Close()
	s.f = nil
	if zerr != nil {
		return fmt.Errorf("failed to finish zstd stream: %w", zerr)
	}
	return err
}
