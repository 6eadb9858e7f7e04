package stage

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnreachableStage indicates a manual jump to a stage the workflow has not
// earned yet. The engine state is left untouched when it is returned.
var ErrUnreachableStage = errors.New("stage: target stage not reachable")

// Engine tracks the workflow position of a single conversation. Stage is
// derived from assistant text rather than persisted: feeding the full message
// history through Replay reconstructs the exact state live traffic would have
// produced.
//
// The engine is not safe for concurrent use; it is driven from the single
// logical thread that applies settled assistant messages.
type Engine struct {
	current   Stage
	completed map[Stage]bool
	data      map[Stage]map[string]any
}

// NewEngine returns an engine positioned at the first workflow stage.
func NewEngine() *Engine {
	return &Engine{
		current:   firstStage,
		completed: make(map[Stage]bool),
		data:      make(map[Stage]map[string]any),
	}
}

// Current returns the stage pointer.
func (e *Engine) Current() Stage {
	return e.current
}

// Completed returns the stages passed through so far, in workflow order.
func (e *Engine) Completed() []Stage {
	stages := make([]Stage, 0, len(e.completed))
	for s := range e.completed {
		stages = append(stages, s)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	return stages
}

// IsCompleted reports whether the stage has been passed through.
func (e *Engine) IsCompleted(s Stage) bool {
	return e.completed[s]
}

// StageData returns the payload merged into the stage via Advance, nil when
// nothing was recorded.
func (e *Engine) StageData(s Stage) map[string]any {
	return e.data[s]
}

// CheckTransition scans a settled assistant message for stage markers and
// advances the pointer when the matched stage lies strictly ahead of the
// current one. The stage being left is marked completed; stages skipped by a
// multi-stage jump stay pending. Returns true when the pointer moved.
//
// Callers must only pass fully received messages: marker phrases can appear
// as a prefix of unrelated text mid-stream.
func (e *Engine) CheckTransition(assistantText string) bool {
	target, ok := MatchTransition(assistantText)
	if !ok || target <= e.current {
		return false
	}
	e.completed[e.current] = true
	e.current = target
	return true
}

// Advance moves the pointer forward by exactly one position, recording the
// payload against the stage being left. Returns false at the last stage.
func (e *Engine) Advance(payload map[string]any) bool {
	if e.current >= lastStage {
		return false
	}
	if len(payload) > 0 {
		merged := e.data[e.current]
		if merged == nil {
			merged = make(map[string]any, len(payload))
		}
		for key, value := range payload {
			merged[key] = value
		}
		e.data[e.current] = merged
	}
	e.completed[e.current] = true
	e.current++
	return true
}

// GoBack moves the pointer back by exactly one position. Completed stages are
// never un-completed. Returns false at the first stage.
func (e *Engine) GoBack() bool {
	if e.current <= firstStage {
		return false
	}
	e.current--
	return true
}

// JumpTo repositions the pointer onto an already-earned stage: anything
// completed, the current stage, or the stage immediately before it. Any other
// target is rejected with ErrUnreachableStage and state is unchanged.
func (e *Engine) JumpTo(target Stage) error {
	if target == e.current || e.completed[target] || (e.current > firstStage && target == e.current-1) {
		e.current = target
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnreachableStage, target)
}

// Reset returns the engine to the first stage with nothing completed; used
// when the user starts a fresh conversation on the same workflow surface.
func (e *Engine) Reset() {
	e.current = firstStage
	e.completed = make(map[Stage]bool)
	e.data = make(map[Stage]map[string]any)
}

// Replay rebuilds state from a chronological list of assistant texts. The
// result is identical to having called CheckTransition after each message as
// it arrived, which is what makes the stage indicator reconstructable when a
// past conversation is reopened.
func (e *Engine) Replay(assistantTexts []string) {
	e.Reset()
	for _, text := range assistantTexts {
		e.CheckTransition(text)
	}
}
