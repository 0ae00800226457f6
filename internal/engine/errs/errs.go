// Package errs defines the error-kind taxonomy shared across the deployment
// engine. It is modeled on the teacher's paasOperationFailure: a stable
// machine-readable kind, the stage the failure occurred in, the host and
// workload it affects, and a one-line remediation hint a human can act on.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable classification of what went wrong. It is
// not a Go error type hierarchy — callers compare it by value after
// recovering a *Failure with errors.As.
type Kind string

const (
	KindConfigInvalid         Kind = "config_invalid"
	KindPreconditionMissing   Kind = "precondition_missing"
	KindTransportFailure      Kind = "transport_failure"
	KindCommandFailed         Kind = "command_failed"
	KindImagePipelineFailed   Kind = "image_pipeline_failed"
	KindHealthCheckFailed     Kind = "health_check_failed"
	KindCutoverFailed         Kind = "cutover_failed"
	KindProxyProgrammingFailed Kind = "proxy_programming_failed"
	KindAcmeFailed            Kind = "acme_failed"
	KindStateCorrupt          Kind = "state_corrupt"
	KindUnknown               Kind = "unknown"
)

// Failure is the single error wrapper every fallible core operation returns.
type Failure struct {
	Kind        Kind
	Stage       string
	Host        string
	Workload    string
	Remediation string
	Err         error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	switch {
	case f.Host != "" && f.Workload != "":
		return fmt.Sprintf("[%s] host=%s workload=%s stage=%s: %s", f.Kind, f.Host, f.Workload, f.Stage, msg)
	case f.Host != "":
		return fmt.Sprintf("[%s] host=%s stage=%s: %s", f.Kind, f.Host, f.Stage, msg)
	default:
		return fmt.Sprintf("[%s] stage=%s: %s", f.Kind, f.Stage, msg)
	}
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// New builds a Failure. Host/workload may be empty for orchestrator-level
// failures that precede any per-host work.
func New(kind Kind, stage, host, workload, remediation string, err error) error {
	return &Failure{Kind: kind, Stage: stage, Host: host, Workload: workload, Remediation: remediation, Err: err}
}

// As recovers a *Failure from an arbitrary error, synthesizing an Unknown
// failure around it if none was present. Mirrors asPaasOperationFailure.
func As(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		if f.Remediation == "" {
			f.Remediation = "inspect the error and retry after correcting the underlying condition"
		}
		return f
	}
	return &Failure{Kind: KindUnknown, Remediation: "inspect the error and retry after correcting the underlying condition", Err: err}
}

// IsKind reports whether err is a *Failure of the given kind.
func IsKind(err error, kind Kind) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}
