package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ActivityTimeout = 200 * time.Millisecond
	cfg.BufferSize = 8
	return cfg
}

func TestCopy_WholeBodyReachesDestination(t *testing.T) {
	c := NewCopier(testConfig(), nil, nil)
	var dst bytes.Buffer

	stats, err := c.Copy(context.Background(), &dst, strings.NewReader("hello streaming world"))
	require.NoError(t, err)

	assert.Equal(t, "hello streaming world", dst.String())
	assert.True(t, stats.FirstByteWritten)
	assert.EqualValues(t, len("hello streaming world"), stats.Bytes)
	assert.GreaterOrEqual(t, stats.Chunks, 3) // 21 bytes through an 8-byte buffer
	assert.Greater(t, stats.Duration, time.Duration(0))
}

func TestCopy_EmptyBodyIsCleanWithNoFirstByte(t *testing.T) {
	c := NewCopier(testConfig(), nil, nil)
	var dst bytes.Buffer

	stats, err := c.Copy(context.Background(), &dst, strings.NewReader(""))
	require.NoError(t, err)
	assert.False(t, stats.FirstByteWritten)
	assert.Zero(t, stats.Bytes)
}

func TestCopy_ActivityTimeoutOnSilentReader(t *testing.T) {
	cfg := testConfig()
	cfg.ActivityTimeout = 50 * time.Millisecond
	c := NewCopier(cfg, nil, nil)

	pr, pw := io.Pipe()
	defer pw.Close()
	defer pr.Close()

	var dst bytes.Buffer
	stats, err := c.Copy(context.Background(), &dst, pr)
	assert.ErrorIs(t, err, ErrActivityTimeout)
	assert.False(t, stats.FirstByteWritten)
}

func TestCopy_ActivityDeadlineResetsPerChunk(t *testing.T) {
	// Chunks arrive every 40ms against an 120ms activity window: the copy
	// survives well past the window because each chunk resets it.
	cfg := testConfig()
	cfg.ActivityTimeout = 120 * time.Millisecond
	c := NewCopier(cfg, nil, nil)

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 6; i++ {
			time.Sleep(40 * time.Millisecond)
			if _, err := pw.Write([]byte("chunk")); err != nil {
				return
			}
		}
		pw.Close()
	}()

	var dst bytes.Buffer
	stats, err := c.Copy(context.Background(), &dst, pr)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Chunks)
	assert.Greater(t, stats.Duration, cfg.ActivityTimeout)
}

func TestCopy_MidStreamReaderErrorReportsPartialStats(t *testing.T) {
	c := NewCopier(testConfig(), nil, nil)

	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("partial"))
		pw.CloseWithError(errors.New("connection reset by peer"))
	}()

	var dst bytes.Buffer
	stats, err := c.Copy(context.Background(), &dst, pr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, stats.FirstByteWritten)
	assert.Equal(t, "partial", dst.String())
	assert.Greater(t, stats.TimeToFirstByte, time.Duration(0))
}

func TestCopy_CancellationReturnsContextError(t *testing.T) {
	c := NewCopier(testConfig(), nil, nil)

	pr, pw := io.Pipe()
	defer pw.Close()
	defer pr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	var dst bytes.Buffer
	_, err := c.Copy(ctx, &dst, pr)
	assert.ErrorIs(t, err, context.Canceled)
}

type failingWriter struct {
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > 1 {
		return 0, errors.New("client went away")
	}
	return len(p), nil
}

func TestCopy_ClientWriteErrorSurfacesWithFirstByteSet(t *testing.T) {
	c := NewCopier(testConfig(), nil, nil)

	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("aaaaaaaa"))
		pw.Write([]byte("bbbbbbbb"))
		pw.Close()
	}()
	defer pr.Close()

	dst := &failingWriter{}
	stats, err := c.Copy(context.Background(), dst, pr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client write")
	assert.True(t, stats.FirstByteWritten)
}

type flushCountingWriter struct {
	bytes.Buffer
	flushes int
}

func (w *flushCountingWriter) Flush() { w.flushes++ }

func TestCopy_FlushesAfterEveryChunk(t *testing.T) {
	c := NewCopier(testConfig(), nil, nil)

	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("one"))
		pw.Write([]byte("two"))
		pw.Close()
	}()

	dst := &flushCountingWriter{}
	stats, err := c.Copy(context.Background(), dst, pr)
	require.NoError(t, err)
	assert.Equal(t, stats.Chunks, dst.flushes)
}
