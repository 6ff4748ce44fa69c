// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extern

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"golang.org/x/time/rate"

	"github.com/cadenzalab/cadenza/services/composer/score"
)

// InlineBridge is a pure-Go notation bridge producing deterministic audio
// and MIDI stand-ins directly from the score. Output bytes are a function of
// the score content alone, which keeps content-addressed keys stable across
// runs. Used in tests and as the fallback when no external renderer is
// configured.
type InlineBridge struct{}

// NewInlineBridge returns the pure-Go bridge.
func NewInlineBridge() *InlineBridge {
	return &InlineBridge{}
}

// Render produces deterministic audio and MIDI bytes for the score.
func (b *InlineBridge) Render(ctx context.Context, s *score.Score) (*RenderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedScore, err)
	}

	canonical, err := s.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedScore, err)
	}

	// A minimal RIFF/WAVE wrapper around the canonical bytes. Not real
	// audio, but structurally a WAV file with content derived only from
	// the score.
	var audio bytes.Buffer
	audio.WriteString("RIFF")
	binary.Write(&audio, binary.LittleEndian, uint32(4+len(canonical)))
	audio.WriteString("WAVE")
	audio.Write(canonical)

	var midi bytes.Buffer
	midi.WriteString("MThd")
	binary.Write(&midi, binary.BigEndian, uint32(6))
	binary.Write(&midi, binary.BigEndian, uint16(0))
	binary.Write(&midi, binary.BigEndian, uint16(1))
	binary.Write(&midi, binary.BigEndian, uint16(96))
	midi.Write(canonical)

	return &RenderResult{Audio: audio.Bytes(), MIDI: midi.Bytes()}, nil
}

// ProcessBridge drives an external renderer binary: the score's canonical
// bytes go to stdin, rendered audio comes back on stdout. A rate limiter
// keeps a burst of revisions from saturating the renderer, which is the
// slowest component in the pipeline.
//
// Thread Safety: safe for concurrent use; the limiter serializes admission.
type ProcessBridge struct {
	binary  string
	args    []string
	timeout time.Duration
	limiter *rate.Limiter
	inline  *InlineBridge
}

// ProcessBridgeOption configures a ProcessBridge.
type ProcessBridgeOption func(*ProcessBridge)

// WithRenderTimeout bounds each subprocess invocation.
func WithRenderTimeout(d time.Duration) ProcessBridgeOption {
	return func(b *ProcessBridge) { b.timeout = d }
}

// WithRenderRate caps renderer invocations per second.
func WithRenderRate(perSecond float64) ProcessBridgeOption {
	return func(b *ProcessBridge) { b.limiter = rate.NewLimiter(rate.Limit(perSecond), 1) }
}

// NewProcessBridge creates a bridge around the given renderer binary.
func NewProcessBridge(binary string, args []string, opts ...ProcessBridgeOption) *ProcessBridge {
	b := &ProcessBridge{
		binary:  binary,
		args:    args,
		timeout: 2 * time.Minute,
		limiter: rate.NewLimiter(rate.Limit(2), 2),
		inline:  NewInlineBridge(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Render invokes the external renderer.
//
// Outputs:
//
//	*RenderResult - Audio from the subprocess; MIDI from the inline
//	                fallback, since most renderer binaries emit audio only.
//	error - Wrapped with ErrTransient for timeouts and process deaths,
//	        ErrMalformedScore when the renderer rejects its input
//	        (non-zero exit with output on stderr).
func (b *ProcessBridge) Render(ctx context.Context, s *score.Score) (*RenderResult, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedScore, err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	canonical, err := s.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedScore, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.binary, b.args...)
	cmd.Stdin = bytes.NewReader(canonical)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: renderer timed out after %s", ErrTransient, b.timeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: renderer: %s", ErrMalformedScore, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("%w: renderer: %v", ErrTransient, err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: renderer produced no output", ErrTransient)
	}

	fallback, err := b.inline.Render(ctx, s)
	if err != nil {
		return nil, err
	}
	return &RenderResult{Audio: stdout.Bytes(), MIDI: fallback.MIDI}, nil
}
