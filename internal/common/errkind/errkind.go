// Package errkind classifies errors across the orchestration pipeline.
// Components wrap failures in an *Error carrying a Kind (and optionally a
// sub-kind) so that retry policies, provider fallback, and reporting can
// decide behavior without inspecting error strings.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of an error.
type Kind string

const (
	KindUnknown            Kind = ""
	KindNetwork            Kind = "network"
	KindAuth               Kind = "auth"
	KindRateLimit          Kind = "rate_limit"
	KindServer             Kind = "server"
	KindClient             Kind = "client"
	KindStreamDisconnect   Kind = "stream_disconnect"
	KindTimeout            Kind = "timeout"
	KindCircuitOpen        Kind = "circuit_open"
	KindVerificationFailed Kind = "verification_failed"
	KindGit                Kind = "git"
	KindRouting            Kind = "routing"
	KindProviderUnavail    Kind = "provider_unavailable"
	KindConfigInvalid      Kind = "config_invalid"
	KindOrchestrator       Kind = "orchestrator"
)

// Sub-kinds refine a Kind where callers need to distinguish causes.
const (
	SubPermissionDenied Kind = "permission_denied"
	SubDiskSpace        Kind = "disk_space"
	SubWorktreeExists   Kind = "worktree_exists"
	SubRepoNotFound     Kind = "repo_not_found"
	SubInvalidMode      Kind = "invalid_mode"
	SubNoConfig         Kind = "no_config"
	SubNoMatch          Kind = "no_match"
	SubProcessingFailed Kind = "processing_failed"
	SubRetryExhausted   Kind = "retry_exhausted"
	SubFallbackFailed   Kind = "fallback_failed"
)

// Severity grades how an error should be surfaced.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityCritical
)

// Error is a classified error. It wraps an underlying cause when present.
type Error struct {
	Kind Kind
	Sub  Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	label := string(e.Kind)
	if e.Sub != "" {
		label += "/" + string(e.Sub)
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", label, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", label, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", label, e.Err)
	default:
		return label
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NewSub creates a classified error with a sub-kind.
func NewSub(kind, sub Kind, msg string) *Error {
	return &Error{Kind: kind, Sub: sub, Msg: msg}
}

// Wrap classifies an existing error. Returns nil when err is nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WrapSub classifies an existing error with a sub-kind.
func WrapSub(kind, sub Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Sub: sub, Msg: msg, Err: err}
}

// KindOf returns the Kind of the first classified error in err's chain,
// or KindUnknown when none is found.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// SubOf returns the sub-kind of the first classified error in err's chain.
func SubOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Sub
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var ce *Error
	for e := err; e != nil; {
		if errors.As(e, &ce) {
			if ce.Kind == kind {
				return true
			}
			e = ce.Err
			continue
		}
		return false
	}
	return false
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts, rate limits, server errors, and stream disconnects.
// Auth, client, and semantic errors are not transient.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindRateLimit, KindServer, KindStreamDisconnect:
		return true
	default:
		return false
	}
}

// SeverityOf grades a Kind. RateLimit is a warning; Auth and git disk-space
// failures are critical; everything else is an error.
func SeverityOf(err error) Severity {
	var ce *Error
	if !errors.As(err, &ce) {
		return SeverityError
	}
	switch {
	case ce.Kind == KindRateLimit:
		return SeverityWarning
	case ce.Kind == KindAuth:
		return SeverityCritical
	case ce.Kind == KindGit && ce.Sub == SubDiskSpace:
		return SeverityCritical
	default:
		return SeverityError
	}
}
