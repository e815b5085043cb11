package cluster

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCoordConnect indicates the coordination service handshake failed.
// This is fatal to a launch; a cluster cannot operate without it.
var ErrCoordConnect = errors.New("connecting to coordination service")

// ProvisioningError reports the step at which provisioning a role failed.
// Already-created resources are not rolled back; cleanup is the operator's
// responsibility.
type ProvisioningError struct {
	Role Role
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("provisioning step %s: %s", e.Step, e.Err)
	}
	return fmt.Sprintf("provisioning %s: step %s: %s", e.Role, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// StepFailure is a single failed shutdown step.
type StepFailure struct {
	Step string
	Err  error
}

// ShutdownReport accumulates shutdown step failures. Steps keep executing
// after a failure; the report carries everything that went wrong.
type ShutdownReport struct {
	Failures []StepFailure
}

func (r *ShutdownReport) record(step string, err error) {
	r.Failures = append(r.Failures, StepFailure{Step: step, Err: err})
}

func (r *ShutdownReport) Error() string {
	parts := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Step, f.Err))
	}
	return fmt.Sprintf("shutdown completed with %d failed step(s): %s", len(r.Failures), strings.Join(parts, "; "))
}

// errOrNil returns the report as an error, or nil when every step succeeded.
func (r *ShutdownReport) errOrNil() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return r
}
