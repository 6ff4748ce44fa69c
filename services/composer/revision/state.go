// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package revision drives the iteration pipeline: generate, render, analyze,
// record. One iteration runs at a time per project; collaborator failures
// are classified, transient ones retried, and whatever a failed iteration
// produced is preserved as a partial version.
package revision

import (
	"fmt"
	"time"
)

// State is the controller's position in the iteration lifecycle.
type State string

const (
	StateIdle                 State = "idle"
	StateGenerating           State = "generating"
	StateRendering            State = "rendering"
	StateAnalyzing            State = "analyzing"
	StateRecording            State = "recording"
	StateAwaitingFeedback     State = "awaiting_feedback"
	StateInterpretingFeedback State = "interpreting_feedback"
	StateFailed               State = "failed"
)

// validTransitions is the full lifecycle graph. A successful iteration ends
// in AwaitingFeedback; a failed one resets to Idle. Both admit the next
// iteration, so the controller is always re-admittable after an iteration
// ends, however it ended.
var validTransitions = map[State][]State{
	StateIdle:                 {StateGenerating, StateInterpretingFeedback},
	StateAwaitingFeedback:     {StateGenerating, StateInterpretingFeedback},
	StateInterpretingFeedback: {StateGenerating, StateFailed},
	StateGenerating:           {StateRendering, StateFailed},
	StateRendering:            {StateAnalyzing, StateFailed},
	StateAnalyzing:            {StateRecording, StateFailed},
	StateRecording:            {StateAwaitingFeedback, StateFailed},
	StateFailed:               {StateIdle},
}

// canTransition reports whether from -> to is a legal lifecycle edge.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepRecord is the timing and outcome of one pipeline step.
type StepRecord struct {
	Step     State         `json:"step"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Err      string        `json:"error,omitempty"`
}

// Session is the trace of one iteration, kept by the controller for
// inspection after the iteration completes.
type Session struct {
	ProjectID     string       `json:"project_id"`
	VersionNumber uint64       `json:"version_number"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	Steps         []StepRecord `json:"steps"`

	// FinalState is where the lifecycle ended up: AwaitingFeedback for a
	// complete iteration, Failed otherwise.
	FinalState State `json:"final_state"`

	// FailedStep is set when the iteration ended early; the version
	// recorded for the iteration is then partial.
	FailedStep State `json:"failed_step,omitempty"`

	// CancelReason is set when the iteration ended because its context was
	// canceled rather than because a step failed on its own.
	CancelReason string `json:"cancel_reason,omitempty"`
}

func (s *Session) record(step State, started time.Time, attempts int, err error) {
	rec := StepRecord{
		Step:     step,
		Duration: time.Since(started),
		Attempts: attempts,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	s.Steps = append(s.Steps, rec)
}

// transition moves the controller's state, panicking on an illegal edge.
// Edges are all statically known; hitting this is a programming error.
func (c *Controller) transition(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, to) {
		panic(fmt.Sprintf("illegal state transition %s -> %s", c.state, to))
	}
	c.state = to
}

// CurrentState returns the controller's lifecycle state.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
