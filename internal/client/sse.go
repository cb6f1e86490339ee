package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/kbchat/internal/models"
)

// maxFrameSize bounds a single SSE line. Citation frames carry passage text
// and easily exceed bufio.Scanner's 64KB default.
const maxFrameSize = 4 * 1024 * 1024

// ErrStreamEnded indicates the server closed the stream before a done or
// error frame arrived.
var ErrStreamEnded = errors.New("stream ended unexpectedly")

// ErrMalformedFrame is returned by ParseLine for data lines that are not JSON.
var ErrMalformedFrame = errors.New("malformed frame")

// StreamCallback receives each parsed event. Returning an error stops reading.
type StreamCallback func(event models.StreamEvent) error

// ParseLine parses a single SSE line.
//
// Line handling:
//   - Empty lines and ":" comments return nil, nil
//   - "data:" lines (with or without a space) parse the JSON payload
//   - Other fields (event:, id:, retry:) return nil, nil
func ParseLine(line string) (*models.StreamEvent, error) {
	line = strings.TrimRight(line, "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return nil, nil
	}

	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil, nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, nil
	}

	var event models.StreamEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &event, nil
}

// StreamReader reads an SSE body line by line and invokes a callback per
// event. Malformed frames are logged and skipped.
type StreamReader struct {
	logger *slog.Logger
}

// NewStreamReader creates a reader. A nil logger uses slog.Default().
func NewStreamReader(logger *slog.Logger) *StreamReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamReader{logger: logger}
}

// Read consumes r until a terminal event, EOF, a read error, cancellation, or
// a callback error. EOF before a terminal event returns ErrStreamEnded.
func (sr *StreamReader) Read(ctx context.Context, r io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	index := 0

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		event, err := ParseLine(scanner.Text())
		if err != nil {
			sr.logger.Warn("skipping malformed stream frame", "error", err, "index", index)
			continue
		}
		if event == nil {
			continue
		}

		event.Index = index
		index++

		if err := callback(*event); err != nil {
			return err
		}
		if event.IsTerminal() {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrStreamEnded
}
