package jobspec

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	flagNamePattern    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	commandNamePattern = regexp.MustCompile(`^[A-Za-z0-9_./-]+$`)
)

var validate = validator.New()

func init() {
	// Register custom validations
	_ = validate.RegisterValidation("flagname", validateFlagName)
	_ = validate.RegisterValidation("cmdname", validateCommandName)
}

// Flag keys are emitted unquoted after "--", so they may only carry word
// characters and dashes.
func validateFlagName(fl validator.FieldLevel) bool {
	return flagNamePattern.MatchString(fl.Field().String())
}

func validateCommandName(fl validator.FieldLevel) bool {
	return commandNamePattern.MatchString(fl.Field().String())
}

// Validate checks the descriptor's shape. Strategy-specific requirements are
// enforced when the batch is built.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrDescriptor, err)
	}
	for name := range d.Fields {
		if !flagNamePattern.MatchString(name) {
			return fmt.Errorf("%w: field name %q", ErrDescriptor, name)
		}
	}
	return nil
}

// ValidFlagName reports whether key may be emitted as a flag name.
func ValidFlagName(key string) bool {
	return flagNamePattern.MatchString(key)
}

// ValidateCommandName checks a flags-mode command name, which is emitted
// verbatim at the start of the command line.
func ValidateCommandName(name string) error {
	if err := validate.Var(name, "required,cmdname"); err != nil {
		return fmt.Errorf("%w: command name %q", ErrDescriptor, name)
	}
	return nil
}

// Validate checks the request envelope.
func (r Request) Validate() error {
	return r.Job.Validate()
}
