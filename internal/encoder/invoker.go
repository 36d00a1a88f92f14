// Package encoder wraps external ffmpeg invocations behind a narrow interface
// so pipeline stage logic can be exercised against fakes.
package encoder

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Invoker runs one encoder process to completion. A nil error means the
// process exited zero; spawn failures and non-zero exits are both returned as
// errors.
type Invoker interface {
	Run(ctx context.Context, label string, args ...string) error
}

// FFmpeg invokes the ffmpeg binary, streaming its diagnostic output to the
// configured logger line by line.
type FFmpeg struct {
	// Binary overrides the executable name; defaults to "ffmpeg".
	Binary string
	Logger *slog.Logger
}

// NewFFmpeg returns an invoker for the given binary path ("" means "ffmpeg").
func NewFFmpeg(binary string, logger *slog.Logger) *FFmpeg {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{Binary: binary, Logger: logger}
}

func (f *FFmpeg) binary() string {
	if f == nil || strings.TrimSpace(f.Binary) == "" {
		return "ffmpeg"
	}
	return f.Binary
}

// Run executes ffmpeg with the provided arguments. The label tags diagnostic
// log lines so interleaved concurrent jobs remain attributable.
func (f *FFmpeg) Run(ctx context.Context, label string, args ...string) error {
	cmd := exec.CommandContext(ctx, f.binary(), args...)
	writer := newLogWriter(f.Logger, label)
	cmd.Stdout = writer
	cmd.Stderr = writer
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", f.binary(), err)
	}
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("%s exited with code %d", f.binary(), exitErr.ExitCode())
		}
		return fmt.Errorf("%s: %w", f.binary(), err)
	}
	return nil
}

// logWriter splits process output into trimmed lines before logging, matching
// ffmpeg's habit of emitting progress on carriage-return-heavy stderr.
type logWriter struct {
	logger *slog.Logger
	label  string
}

func newLogWriter(logger *slog.Logger, label string) *logWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &logWriter{logger: logger, label: label}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexAny(p, "\r\n")
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("encoder output", "label", w.label, "line", string(line))
	}
	return total, nil
}
