// Package stream implements the chunk-by-chunk body copy used for streaming
// responses: a connection-establishment deadline followed by an activity
// deadline that resets every time a chunk arrives.
//
// Generic io.Readers have no SetReadDeadline, so the deadline lives in a
// select over a reader-goroutine-fed channel rather than on the reader
// itself.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"fleetrouter/internal/clock"
)

// ErrActivityTimeout is returned by Copy when no chunk arrives within the
// activity window. It matches the classifier's transient patterns, so a
// pre-first-byte activity timeout fails over to the next candidate.
var ErrActivityTimeout = errors.New("stream: activity timeout waiting for next chunk")

// ErrConnectTimeout is returned by the router's streaming adapter when the
// upstream connection is not established within the connect window.
var ErrConnectTimeout = errors.New("stream: connect timeout establishing upstream")

// Config tunes the two streaming deadlines and the copy buffer.
type Config struct {
	// ConnectTimeout bounds connection establishment only; once the
	// upstream body is open, ActivityTimeout takes over.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// ActivityTimeout is the rolling deadline reset on every chunk
	// received. Zero disables it.
	ActivityTimeout time.Duration `json:"activity_timeout" yaml:"activity_timeout"`

	// BufferSize is the maximum chunk size read from the upstream body.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// DefaultConfig returns sensible streaming defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  10 * time.Second,
		ActivityTimeout: 30 * time.Second,
		BufferSize:      32 * 1024,
	}
}

// Stats describes one finished (or aborted) copy, in the shape the routing
// engine records into metrics: whether anything reached the client, how long
// the first byte took, and the total streaming duration.
type Stats struct {
	FirstByteWritten bool
	TimeToFirstByte  time.Duration
	Duration         time.Duration
	Bytes            int64
	Chunks           int
}

// Flusher is implemented by destinations that buffer writes (http's
// ResponseWriter satisfies it). Each chunk is flushed through so the client
// observes tokens as they arrive rather than at buffer boundaries.
type Flusher interface {
	Flush()
}

// Copier copies an upstream body to a client writer under an activity
// deadline. A single Copier is safe for concurrent use; all per-copy state
// lives in Copy's frame.
type Copier struct {
	config Config
	clock  clock.Clock
	logger *zap.Logger
}

// NewCopier creates a Copier. clock and logger may be nil.
func NewCopier(config Config, c clock.Clock, logger *zap.Logger) *Copier {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	return &Copier{config: config, clock: c, logger: logger}
}

type chunk struct {
	data []byte
	err  error
}

// Copy pumps src to dst chunk by chunk until EOF, an error, cancellation, or
// an activity timeout. Stats are valid on every return path, including
// errors, so callers can record partial TTFB/duration.
//
// On a timeout or cancellation the reader goroutine may still be blocked in
// src.Read; closing src (which callers own) is what releases it.
func (c *Copier) Copy(ctx context.Context, dst io.Writer, src io.Reader) (stats Stats, err error) {
	start := c.clock.Now()
	defer func() {
		stats.Duration = c.clock.Now().Sub(start)
	}()

	done := make(chan struct{})
	defer close(done)

	chunks := make(chan chunk, 1)
	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, c.config.BufferSize)
			n, readErr := src.Read(buf)
			if n > 0 {
				select {
				case chunks <- chunk{data: buf[:n]}:
				case <-done:
					return
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					select {
					case chunks <- chunk{err: readErr}:
					case <-done:
					}
				}
				return
			}
		}
	}()

	flusher, _ := dst.(Flusher)

	for {
		var timeoutCh <-chan time.Time
		if c.config.ActivityTimeout > 0 {
			timeoutCh = c.clock.After(c.config.ActivityTimeout)
		}

		select {
		case <-ctx.Done():
			return stats, ctx.Err()

		case <-timeoutCh:
			c.logger.Warn("stream activity timeout",
				zap.Duration("activity_timeout", c.config.ActivityTimeout),
				zap.Int64("bytes_copied", stats.Bytes))
			return stats, ErrActivityTimeout

		case ck, ok := <-chunks:
			if !ok {
				return stats, nil
			}
			if ck.err != nil {
				return stats, ck.err
			}

			if stats.Chunks == 0 {
				stats.TimeToFirstByte = c.clock.Now().Sub(start)
			}
			n, writeErr := dst.Write(ck.data)
			if n > 0 {
				stats.FirstByteWritten = true
				stats.Bytes += int64(n)
			}
			stats.Chunks++
			if writeErr != nil {
				return stats, fmt.Errorf("stream: client write: %w", writeErr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
