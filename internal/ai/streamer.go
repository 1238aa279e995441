// Package ai streams generated code back to a connection, one chunk at a
// time, behind a per-connection rate limit.
package ai

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
)

// ErrBackend wraps any failure reported by the generative backend.
var ErrBackend = errors.New("generation backend failure")

// Backend produces a finite sequence of text chunks for a prompt. The
// sequence stops early when ctx is cancelled.
type Backend interface {
	GenerateStream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// Limiter is consulted once per request before any generation work.
type Limiter interface {
	CheckAndConsume(ctx context.Context, connectionID string) error
}

type Streamer struct {
	backend Backend
	limiter Limiter
}

func NewStreamer(backend Backend, limiter Limiter) *Streamer {
	return &Streamer{backend: backend, limiter: limiter}
}

// Stream runs one generation request and calls emit for every chunk in
// order. It returns nil when the backend is exhausted, the limiter's error
// when the connection is over its ceiling, ctx.Err() when cancelled, and an
// error wrapping ErrBackend when the backend fails. Nothing is retried.
func (s *Streamer) Stream(ctx context.Context, connectionID string, req Request, emit func(chunk string)) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.limiter.CheckAndConsume(ctx, connectionID); err != nil {
		return err
	}

	prompt := BuildPrompt(req)
	chunks := 0
	for chunk, err := range s.backend.GenerateStream(ctx, prompt) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("generation failed", "connection", connectionID, "action", req.Action, "chunks", chunks, "err", err)
			return fmt.Errorf("%w: %v", ErrBackend, err)
		}
		if chunk == "" {
			continue
		}
		emit(chunk)
		chunks++
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	slog.Debug("generation complete", "connection", connectionID, "action", req.Action, "chunks", chunks)
	return nil
}
