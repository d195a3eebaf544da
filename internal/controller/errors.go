package controller

import "fmt"

// DeployError is an unrecoverable error that aborts the deploy process for
// the current service.
//
// Deploys are not atomic: services already applied within the same request
// stay applied, so a DeployError can leave a deployment in an in-between
// state. Callers retry with the same input; unchanged services are skipped
// by the canonical-equality check.
type DeployError struct {
	Message string
	Err     error
}

func (e *DeployError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DeployError) Unwrap() error { return e.Err }

// Deployf builds a DeployError from a format string.
func Deployf(format string, args ...interface{}) *DeployError {
	return &DeployError{Message: fmt.Sprintf(format, args...)}
}

// AlreadyExistsError is returned when creating a deployment whose id is
// taken.
type AlreadyExistsError struct {
	ID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("deployment %s already exists", e.ID)
}

// NoSuchDeploymentError is returned for operations on an unknown
// deployment id.
type NoSuchDeploymentError struct {
	ID string
}

func (e *NoSuchDeploymentError) Error() string {
	return fmt.Sprintf("no such deployment: %s", e.ID)
}

// NoSuchServiceError is returned for operations on an unknown service.
type NoSuchServiceError struct {
	Deployment string
	Service    string
}

func (e *NoSuchServiceError) Error() string {
	return fmt.Sprintf("no such service: %s/%s", e.Deployment, e.Service)
}
