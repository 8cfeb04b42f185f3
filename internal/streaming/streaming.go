// Package streaming pumps provider byte streams to clients. It owns SSE
// header setup, the raw forwarding loop used by passthrough, the tee that
// feeds an in-process analyzer without blocking the client, and the relay
// that re-renders canonical events into the client's wire format.
package streaming

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/canonical"
	"github.com/modelgate/modelgate/internal/logger"
)

// dataPrefix marks an SSE data line.
const dataPrefix = "data: "

// maxLineSize bounds a single SSE line; large tool argument deltas fit
// comfortably under this.
const maxLineSize = 1024 * 1024

// SetSSEHeaders sets streaming response headers. Must run before any body
// bytes are written.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Pump copies upstream bytes to the client, flushing after every chunk.
// On client write error the upstream body is drained so the connection can
// be reused.
func Pump(ctx context.Context, w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away; drain upstream and stop.
				_, _ = io.Copy(io.Discard, src)
				return fmt.Errorf("client write failed: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("upstream read failed: %w", err)
		}
	}
}

// Tee copies upstream bytes to the client while duplicating each chunk to
// the analyzer. Analyzer work runs on its own goroutine behind a buffered
// channel and never blocks forwarding; chunks are dropped with a log line
// if the analyzer falls too far behind.
func Tee(ctx context.Context, w http.ResponseWriter, src io.Reader, analyze func([]byte)) error {
	chunks := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range chunks {
			analyze(chunk)
		}
	}()
	defer func() {
		close(chunks)
		<-done
	}()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				_, _ = io.Copy(io.Discard, src)
				return fmt.Errorf("client write failed: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}

			dup := make([]byte, n)
			copy(dup, buf[:n])
			select {
			case chunks <- dup:
			default:
				logger.Warn(ctx, "Stream analyzer behind, dropping chunk", "bytes", n)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("upstream read failed: %w", err)
		}
	}
}

// EventNamer is implemented by renderers whose wire format labels frames
// with an event: line naming the payload type.
type EventNamer interface {
	EventName(payload []byte) string
}

// Relay reads provider SSE data payloads, folds them through the processor
// into canonical events, renders each event for the client format and
// writes the result. onEvent observes every canonical event for accounting
// and runs before the event is rendered. Relay returns once a terminal
// event was forwarded or the stream ends.
func Relay(
	ctx context.Context,
	w http.ResponseWriter,
	src io.Reader,
	processor adapter.StreamProcessor,
	renderer adapter.StreamRenderer,
	onEvent func(*canonical.StreamEvent),
) error {
	flusher, _ := w.(http.Flusher)
	namer, _ := renderer.(EventNamer)

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	terminal := false
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, ok := strings.CutPrefix(scanner.Text(), dataPrefix)
		if !ok {
			continue
		}

		events, err := processor.Process([]byte(payload))
		if err != nil {
			logger.Warn(ctx, "Failed to process stream event", "err", err)
			continue
		}
		for i := range events {
			ev := &events[i]
			if onEvent != nil {
				onEvent(ev)
			}
			frames, err := renderer.Render(ev)
			if err != nil {
				return fmt.Errorf("failed to render stream event: %w", err)
			}
			for _, frame := range frames {
				if err := writeFrame(w, namer, frame); err != nil {
					_, _ = io.Copy(io.Discard, src)
					return err
				}
			}
			if len(frames) > 0 && flusher != nil {
				flusher.Flush()
			}
			if ev.Terminal() {
				terminal = true
			}
		}
		if terminal {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("upstream read failed: %w", err)
	}

	if renderer.Done() {
		if _, err := fmt.Fprintf(w, "%s[DONE]\n\n", dataPrefix); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}

func writeFrame(w io.Writer, namer EventNamer, payload []byte) error {
	if namer != nil {
		if name := namer.EventName(payload); name != "" {
			if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
				return fmt.Errorf("client write failed: %w", err)
			}
		}
	}
	if _, err := fmt.Fprintf(w, "%s%s\n\n", dataPrefix, payload); err != nil {
		return fmt.Errorf("client write failed: %w", err)
	}
	return nil
}
