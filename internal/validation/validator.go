// Package validation checks the identifiers that cross the API boundary.
// Deployment ids and service names end up in container names, filesystem
// paths and discovery registrations, so they are restricted to a safe
// character set before the controller sees them.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	deployIDPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-zA-Z0-9._/-]*$`)
)

// Validator validates API-level input.
type Validator struct {
	validate *validator.Validate
}

// New builds a validator with the identifier rules registered.
func New() *Validator {
	v := validator.New()

	// Registration can only fail for empty tags or nil functions.
	_ = v.RegisterValidation("deploy_id", func(fl validator.FieldLevel) bool {
		return deployIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("service_name", func(fl validator.FieldLevel) bool {
		return serviceNamePattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v}
}

// DeployID validates a deployment id.
func (v *Validator) DeployID(id string) error {
	if err := v.validate.Var(id, "required,max=64,deploy_id"); err != nil {
		return fmt.Errorf("invalid deploy_id %q: lowercase letters, digits, '.', '_' and '-' only", id)
	}
	return nil
}

// ServiceName validates a service name as supplied in a setup request.
// The name may still be an image reference (the canonicalizer derives the
// effective name from it), so path separators are allowed; a capitalized
// name is rejected because it would be a global directive in a service
// file.
func (v *Validator) ServiceName(name string) error {
	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid service name %q", name)
	}
	if err := v.validate.Var(name, "required,max=128,service_name"); err != nil {
		return fmt.Errorf("invalid service name %q", name)
	}
	return nil
}
