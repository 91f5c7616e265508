package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	maxLineBytes = 1024 * 1024
	pollInterval = 250 * time.Millisecond
)

// TailOptions selects where reading starts and whether to wait.
type TailOptions struct {
	// Offset is a byte position from a previous result. A negative offset
	// returns the last Limit lines instead.
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
}

// TailResult holds the lines read and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// Tail reads path according to opts. A missing file yields no lines.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return TailResult{}, nil
	}
	if err != nil {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return TailResult{Offset: opts.Offset}, fmt.Errorf("log path %q is a directory", path)
	}
	wait := max(opts.Wait, 0)

	var result TailResult
	if opts.Offset < 0 {
		result, err = lastLines(path, opts.Limit)
	} else {
		offset := opts.Offset
		if offset > info.Size() {
			offset = info.Size()
		}
		result, err = scanFrom(path, offset, nil)
	}
	if err != nil {
		return result, err
	}
	if opts.Follow && wait > 0 && len(result.Lines) == 0 {
		return follow(ctx, path, result.Offset, wait)
	}
	return result, nil
}

// lastLines keeps a ring of the final limit lines.
func lastLines(path string, limit int) (TailResult, error) {
	if limit <= 0 {
		info, err := os.Stat(path)
		if err != nil {
			return TailResult{}, fmt.Errorf("stat log file: %w", err)
		}
		return TailResult{Offset: info.Size()}, nil
	}
	ring := make([]string, 0, limit)
	start := 0
	result, err := scanFrom(path, 0, func(line string) {
		if len(ring) < limit {
			ring = append(ring, line)
			return
		}
		ring[start] = line
		start = (start + 1) % limit
	})
	if err != nil {
		return result, err
	}
	result.Lines = append(ring[start:len(ring):len(ring)], ring[:start]...)
	return result, nil
}

// scanFrom reads complete lines after offset. With a nil visit func the
// lines are collected into the result.
func scanFrom(path string, offset int64, visit func(string)) (TailResult, error) {
	result := TailResult{Offset: offset}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return TailResult{}, nil
	}
	if err != nil {
		return result, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return result, fmt.Errorf("seek log file: %w", err)
	}
	if visit == nil {
		visit = func(line string) { result.Lines = append(result.Lines, line) }
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		visit(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read log file: %w", err)
	}
	if result.Offset, err = file.Seek(0, io.SeekCurrent); err != nil {
		return result, fmt.Errorf("determine log offset: %w", err)
	}
	return result, nil
}

func follow(ctx context.Context, path string, offset int64, wait time.Duration) (TailResult, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		result, err := scanFrom(path, offset, nil)
		if err != nil || len(result.Lines) > 0 || time.Now().After(deadline) {
			return result, err
		}
		offset = result.Offset
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
}
