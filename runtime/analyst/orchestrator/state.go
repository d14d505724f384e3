package orchestrator

import (
	"goa.design/analyst/runtime/analyst/tracker"
)

type (
	// State is a state of the session state machine.
	State string

	// StepKind discriminates Step values.
	StepKind int

	// Step is the result of running one state. The driving loop either moves
	// to Next (Continue) or finalizes the session.
	Step struct {
		Kind StepKind
		// Next is the state to enter on Continue.
		Next State
		// Prompt is the clarification question on NeedsClarification.
		Prompt string
		// Result is the session result on Completed.
		Result tracker.Result
		// Err is the classified failure on Failed and Aborted.
		Err error
	}

	// OutcomeStatus is the status reported to the caller of Run and Resume.
	OutcomeStatus string

	// Outcome summarizes how an orchestrator invocation ended.
	Outcome struct {
		SessionID string
		Status    OutcomeStatus
		// Prompt is the clarification question when Status is
		// OutcomeNeedsClarification.
		Prompt string
		// Result is set when Status is OutcomeCompleted.
		Result tracker.Result
		// Err is the classified error when Status is OutcomeFailed or
		// OutcomeAborted.
		Err error
	}
)

const (
	// StateRouting classifies the message as chat or analysis and rewrites
	// it against the conversation before planning.
	StateRouting State = "routing"
	// StatePlanning asks the planner for a DAG.
	StatePlanning State = "planning"
	// StateCritiquing validates the plan locally and with the critic.
	StateCritiquing State = "critiquing"
	// StateValid is a plan accepted for execution.
	StateValid State = "valid"
	// StateNeedsRevision hands the critique to the revisor.
	StateNeedsRevision State = "needs_revision"
	// StateNeedsClarification suspends the session on a user question.
	StateNeedsClarification State = "needs_clarification"
	// StateExecuting traverses the DAG.
	StateExecuting State = "executing"
	// StateCompleted is a session that produced a result.
	StateCompleted State = "completed"
	// StateFailed is a session ended by an unrecovered error.
	StateFailed State = "failed"
	// StateAborted is a session ended by a budget or the user.
	StateAborted State = "aborted"
)

// Step kinds, one per Step constructor.
const (
	// StepContinue moves to Step.Next.
	StepContinue StepKind = iota
	// StepNeedsClarification suspends with Step.Prompt.
	StepNeedsClarification
	// StepCompleted finishes with Step.Result.
	StepCompleted
	// StepFailed fails with Step.Err.
	StepFailed
	// StepAborted aborts with Step.Err.
	StepAborted
)

const (
	// OutcomeCompleted reports a session that produced a result.
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeNeedsClarification reports a session waiting on the user.
	OutcomeNeedsClarification OutcomeStatus = "needs_clarification"
	// OutcomeFailed reports a session ended by an error.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeAborted reports a session ended by a budget.
	OutcomeAborted OutcomeStatus = "aborted"
)

// Continue moves the machine to next.
func Continue(next State) Step { return Step{Kind: StepContinue, Next: next} }

// NeedsClarification suspends the session with prompt.
func NeedsClarification(prompt string) Step {
	return Step{Kind: StepNeedsClarification, Next: StateNeedsClarification, Prompt: prompt}
}

// Completed finishes the session with result.
func Completed(result tracker.Result) Step {
	return Step{Kind: StepCompleted, Next: StateCompleted, Result: result}
}

// Failed fails the session with err.
func Failed(err error) Step { return Step{Kind: StepFailed, Next: StateFailed, Err: err} }

// Aborted aborts the session with err.
func Aborted(err error) Step { return Step{Kind: StepAborted, Next: StateAborted, Err: err} }

// Terminal reports whether o ended the session.
func (o Outcome) Terminal() bool {
	return o.Status != OutcomeNeedsClarification
}

func (k StepKind) String() string {
	switch k {
	case StepContinue:
		return "continue"
	case StepNeedsClarification:
		return "needs_clarification"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	case StepAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
