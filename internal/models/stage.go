package models

import "fmt"

// RestoreStage is a state of a restore attempt.
type RestoreStage int

// Restore stages, in the only order they may be entered.
const (
	StageParsed RestoreStage = iota
	StagePolicyResolved
	StageConfirmed
	StagePreflightPassed
	StageExecuting
	StageSucceeded
	StageFailed
)

var stageNames = map[RestoreStage]string{
	StageParsed:          "parsed",
	StagePolicyResolved:  "policy_resolved",
	StageConfirmed:       "confirmed",
	StagePreflightPassed: "preflight_passed",
	StageExecuting:       "executing",
	StageSucceeded:       "succeeded",
	StageFailed:          "failed",
}

func (s RestoreStage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Terminal reports whether no further transition is allowed.
func (s RestoreStage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// CanAdvance reports whether the transition s -> next is legal.
// Any non-terminal stage may fail; otherwise only the direct successor is allowed.
func (s RestoreStage) CanAdvance(next RestoreStage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	return next == s+1
}
