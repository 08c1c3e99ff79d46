// Package gkerrors implements the gatekeeper's closed error taxonomy
// (spec.md §7). Gating verdicts are returned as values from this package,
// not raised as exceptions: the gate returns a *UserError or *SilentError
// to describe why a PR didn't advance. The dispatcher logs any error a job
// returns and records it in its History without inspecting its kind; it
// does not retry jobs.
package gkerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the stable taxonomy of terminal gate results from spec.md §7.
// The CLI's gate subcommand prints the code inside its NOT READY line; the
// process exit status does not carry it.
type Code string

const (
	CodeNotOurs                   Code = "NotOurs"
	CodeHotfixPrefix              Code = "HotfixPrefix"
	CodePRClosed                  Code = "PRClosed"
	CodeBranchNameInvalid         Code = "BranchNameInvalid"
	CodePrefixForbidden           Code = "PrefixForbidden"
	CodeBranchDoesNotAcceptFeats  Code = "BranchDoesNotAcceptFeatures"
	CodeConflict                  Code = "Conflict"
	CodeNeedAuthorApproval        Code = "NeedAuthorApproval"
	CodeNeedPeerApproval          Code = "NeedPeerApproval"
	CodeNeedLeaderApproval        Code = "NeedLeaderApproval"
	CodeIssueCheckFailed          Code = "IssueCheckFailed"
	CodeBuildFailed               Code = "BuildFailed"
	CodeBuildNotStarted           Code = "BuildNotStarted"
	CodeBuildInProgress           Code = "BuildInProgress"
	CodeCommitTooLarge            Code = "CommitTooLarge"
	CodeNothingToDo               Code = "NothingToDo"
	CodeQueueBuildFailed          Code = "QueueBuildFailed"
)

// UserError surfaces as exactly one idempotent comment and halts the PR's
// current gating cycle. It is never retried by the dispatcher.
type UserError struct {
	Code    Code
	Message string
}

func (e *UserError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// NewUserError builds a UserError, formatting Message like fmt.Sprintf.
func NewUserError(code Code, format string, args ...interface{}) *UserError {
	return &UserError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SilentError halts the PR's current cycle without posting any comment and
// without being retried: NotOurs, HotfixPrefix, PRClosed.
type SilentError struct {
	Code    Code
	Message string
}

func (e *SilentError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func NewSilentError(code Code, format string, args ...interface{}) *SilentError {
	return &SilentError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// TransientError wraps a recoverable failure (host 5xx, git exit status,
// network error). Host clients and git pushes retry such failures
// internally with backoff; the dispatcher does not retry a job that
// returns one. Cause
// returns the underlying error for errors.Is/errors.As chains, following
// the same Wrap/Cause idiom the teacher uses in cmd/sinker.
type TransientError struct {
	cause error
	op    string
}

func NewTransientError(op string, cause error) *TransientError {
	return &TransientError{op: op, cause: errors.WithStack(cause)}
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.op, e.cause) }
func (e *TransientError) Unwrap() error { return e.cause }
func (e *TransientError) Cause() error  { return errors.Cause(e.cause) }

// FatalError is a non-recoverable failure; Promote builds one from a
// TransientError. The dispatcher treats it like any other job error: it is
// logged and recorded with the job in History, and the worker keeps running.
type FatalError struct {
	cause error
	op    string
}

func NewFatalError(op string, cause error) *FatalError {
	return &FatalError{op: op, cause: errors.WithStack(cause)}
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: fatal: %v", e.op, e.cause) }
func (e *FatalError) Unwrap() error { return e.cause }

// QueueInconsistencyError halts all promotions of the queue that raised it
// (spec.md §4.5, §7): a degraded atomic push left some development/<v> refs
// advanced and others not. Neither the queue reset CLI command nor the
// "reset" comment verb clears the halt; a restarted server starts with
// promotions enabled.
type QueueInconsistencyError struct {
	Advanced []string
	Failed   []string
}

func (e *QueueInconsistencyError) Error() string {
	return fmt.Sprintf("queue inconsistency: advanced %v, failed %v", e.Advanced, e.Failed)
}

// Promote escalates a TransientError to a FatalError, preserving the
// original cause for diagnostics.
func Promote(t *TransientError) *FatalError {
	return &FatalError{op: t.op, cause: t.cause}
}
