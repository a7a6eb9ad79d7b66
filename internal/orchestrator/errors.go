package orchestrator

import (
	"context"
	"errors"

	"github.com/andrej220/remexec/internal/daterange"
	"github.com/andrej220/remexec/pkg/jobspec"
	"github.com/andrej220/remexec/pkg/template"
)

// Error taxonomy. Every failure a job can end with matches exactly one of
// these through errors.Is.
var (
	ErrCredential    = errors.New("credential error")
	ErrConnection    = errors.New("connection error")
	ErrTemplate      = template.ErrTemplate
	ErrConfiguration = daterange.ErrConfiguration
	ErrDescriptor    = jobspec.ErrDescriptor
	ErrCommandFailed = errors.New("command failed")
	ErrDispatch      = errors.New("dispatch error")
	ErrCanceled      = errors.New("canceled")
)

// Kind is the short classification carried on a Result.
type Kind string

const (
	KindNone          Kind = ""
	KindCredential    Kind = "credential"
	KindConnection    Kind = "connection"
	KindTemplate      Kind = "template"
	KindConfiguration Kind = "configuration"
	KindDescriptor    Kind = "descriptor"
	KindCommand       Kind = "command"
	KindDispatch      Kind = "dispatch"
	KindCanceled      Kind = "canceled"
)

// Exit-equivalent status codes for non-command failures.
const (
	StatusOK       = 0
	StatusInvalid  = 2
	StatusCanceled = 130
	StatusRemote   = 255
)

// Classify maps an error to its Kind. Cancellation wins over everything
// else so a deadline hit while connecting is reported as canceled.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrCredential):
		return KindCredential
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrCommandFailed):
		return KindCommand
	case errors.Is(err, ErrTemplate):
		return KindTemplate
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrDescriptor):
		return KindDescriptor
	default:
		return KindDispatch
	}
}

// Status is the exit-equivalent code for a non-command failure kind.
func (k Kind) Status() int {
	switch k {
	case KindNone:
		return StatusOK
	case KindTemplate, KindConfiguration, KindDescriptor:
		return StatusInvalid
	case KindCanceled:
		return StatusCanceled
	default:
		return StatusRemote
	}
}
