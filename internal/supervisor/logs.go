package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gafferdev/gaffer/internal/state"
)

// ErrNoLogFile is returned for tasks that ran in the foreground and so never
// had their output redirected to a file.
var ErrNoLogFile = errors.New("task has no log file")

// followPoll is the cadence at which a followed log file is re-checked for
// appended data.
const followPoll = 500 * time.Millisecond

// TailLogs writes the last n lines of a task's log file to w. With follow
// enabled it then streams appended lines until ctx is cancelled or the task
// reaches a terminal state and the file stops growing.
func (s *Supervisor) TailLogs(ctx context.Context, id string, n int, follow bool, w io.Writer) error {
	task, err := s.store.Load(id)
	if err != nil {
		return err
	}
	if task.LogFile == "" {
		return fmt.Errorf("%w: %s", ErrNoLogFile, id)
	}

	data, err := os.ReadFile(task.LogFile)
	if err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}
	tail := lastLines(data, n)
	if len(tail) > 0 {
		if _, err := w.Write(tail); err != nil {
			return err
		}
	}
	if !follow {
		return nil
	}
	return s.followLog(ctx, id, task.LogFile, int64(len(data)), w)
}

// followLog streams bytes appended to path past offset.
func (s *Supervisor) followLog(ctx context.Context, id, path string, offset int64, w io.Writer) error {
	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil // log removed, nothing left to follow
		}
		size := info.Size()
		if size < offset {
			// Truncated; restart from the top.
			offset = 0
		}
		if size > offset {
			if err := copyRange(path, offset, w); err != nil {
				return err
			}
			offset = size
			continue
		}

		// No growth. Stop once the writer is gone for good.
		task, err := s.store.Load(id)
		if err != nil || task.Status != state.StatusRunning {
			return nil
		}
	}
}

// copyRange copies path's bytes from offset to the end into w.
func copyRange(path string, offset int64, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// lastLines returns the trailing n lines of data, newline-terminated.
// n <= 0 means the whole buffer.
func lastLines(data []byte, n int) []byte {
	if len(data) == 0 || n <= 0 {
		return data
	}
	// Walk backwards counting newlines; ignore a trailing one.
	end := len(data)
	if data[end-1] == '\n' {
		end--
	}
	seen := 0
	for i := end - 1; i >= 0; i-- {
		if data[i] == '\n' {
			seen++
			if seen == n {
				return data[i+1:]
			}
		}
	}
	return data
}
