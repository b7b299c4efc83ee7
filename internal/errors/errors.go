// Package errors defines the kernel's error taxonomy: the set of kinds the
// governance kernel and invocation executor can surface to a caller.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind identifies one of the kernel's well-known failure modes. Callers
// switch on Kind rather than on error identity so that wrapped causes still
// compare correctly through errors.Is/errors.As.
type Kind string

const (
	PermissionDenied  Kind = "PERMISSION_DENIED"
	ServiceNotFound   Kind = "SERVICE_NOT_FOUND"
	ServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	BulkheadFull      Kind = "BULKHEAD_FULL"
	RateLimited       Kind = "RATE_LIMITED"
	CallNotPermitted  Kind = "CALL_NOT_PERMITTED"
	Timeout           Kind = "TIMEOUT"
	InvocationFailure Kind = "INVOCATION_FAILURE"
	InstallFailure    Kind = "INSTALL_FAILURE"
	InvalidArgument   Kind = "INVALID_ARGUMENT"
	ClassLoaderError  Kind = "CLASSLOADER_ERROR"
)

// KernelError is the concrete error type returned by the kernel. It carries
// enough structured context to populate an audit record or a CLI message
// without re-deriving it from a formatted string.
type KernelError struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Err }

// WithDetail attaches a structured detail field and returns the receiver for
// chaining at the construction site.
func (e *KernelError) WithDetail(key string, value interface{}) *KernelError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(kind Kind, message string) *KernelError {
	return &KernelError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *KernelError {
	return &KernelError{Kind: kind, Message: message, Err: err}
}

// PermissionDeniedErr carries the fields the seed scenarios require in the
// audit record: the caller, the capability, the access level required, and
// which provider in the decision chain supplied the denying rule.
func PermissionDeniedErr(caller, capability string, required, granted, ruleSource string) *KernelError {
	return New(PermissionDenied, fmt.Sprintf("%s lacks %s access to %s", caller, required, capability)).
		WithDetail("caller", caller).
		WithDetail("capability", capability).
		WithDetail("required-access", required).
		WithDetail("granted-access", granted).
		WithDetail("source-tag", ruleSource)
}

func ServiceNotFoundErr(ref string) *KernelError {
	return New(ServiceNotFound, fmt.Sprintf("no unit exposes %s", ref)).WithDetail("ref", ref)
}

func ServiceUnavailableErr(unitID, reason string) *KernelError {
	return New(ServiceUnavailable, reason).WithDetail("unit-id", unitID)
}

func BulkheadFullErr(fqsid string) *KernelError {
	return New(BulkheadFull, "bulkhead permit acquire timed out").WithDetail("fqsid", fqsid)
}

func RateLimitedErr(fqsid string) *KernelError {
	return New(RateLimited, "rate limit exceeded").WithDetail("fqsid", fqsid)
}

func CallNotPermittedErr(fqsid string) *KernelError {
	return New(CallNotPermitted, "circuit breaker is open").WithDetail("fqsid", fqsid)
}

func TimeoutErr(fqsid string) *KernelError {
	return New(Timeout, "invocation exceeded its timeout").WithDetail("fqsid", fqsid)
}

func InvocationFailureErr(fqsid string, err error) *KernelError {
	return Wrap(InvocationFailure, "target invocation failed", err).WithDetail("fqsid", fqsid)
}

func InstallFailureErr(unitID string, err error) *KernelError {
	return Wrap(InstallFailure, "install failed", err).WithDetail("unit-id", unitID)
}

func InvalidArgumentErr(message string) *KernelError {
	return New(InvalidArgument, message)
}

func ClassLoaderErr(unitID string, err error) *KernelError {
	return Wrap(ClassLoaderError, "namespace resolution failed", err).WithDetail("unit-id", unitID)
}

// Is reports whether err's Kind matches k, unwrapping as needed.
func Is(err error, k Kind) bool {
	var ke *KernelError
	if stderrors.As(err, &ke) {
		return ke.Kind == k
	}
	return false
}

// As extracts a *KernelError from err's chain, if present.
func As(err error) (*KernelError, bool) {
	var ke *KernelError
	ok := stderrors.As(err, &ke)
	return ke, ok
}

// FatalError marks an error as runtime-fatal: event dispatch re-raises it to
// the publisher instead of swallowing it, unlike every other handler failure.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Fatal(err error) *FatalError { return &FatalError{Err: err} }

func IsFatal(err error) bool {
	var fe *FatalError
	return stderrors.As(err, &fe)
}
