package mock

import (
	"github.com/gwangyi/cmdfs/internal/command"
)

// Runner is a helper interface for mock generation.
// It mirrors command.Runner so tests can script command results.
//
//go:generate mockgen -destination=mock.go -package=mock . Runner
type Runner interface {
	command.Runner
}
