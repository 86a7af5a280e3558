package executor

import (
	"time"

	"github.com/mlOS-foundation/system-test/pkg/workload"
)

// Default timeouts per class.
const (
	DefaultStandardInstallTimeout    = 10 * time.Minute
	DefaultStandardRegisterTimeout   = 1 * time.Minute
	DefaultStandardInvokeTimeout     = 60 * time.Second
	DefaultGenerativeInstallTimeout  = 45 * time.Minute
	DefaultGenerativeRegisterTimeout = 5 * time.Minute
	DefaultGenerativeInvokeTimeout   = 5 * time.Minute
)

// TimeoutClass bounds each step of one workload.
type TimeoutClass struct {
	Install  time.Duration `mapstructure:"install"`
	Register time.Duration `mapstructure:"register"`
	Invoke   time.Duration `mapstructure:"invoke"`
}

// Timeouts maps categories to timeout classes.
type Timeouts struct {
	Standard   TimeoutClass `mapstructure:"standard"`
	Generative TimeoutClass `mapstructure:"generative"`
}

// DefaultTimeouts returns the built-in timeout classes.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Standard: TimeoutClass{
			Install:  DefaultStandardInstallTimeout,
			Register: DefaultStandardRegisterTimeout,
			Invoke:   DefaultStandardInvokeTimeout,
		},
		Generative: TimeoutClass{
			Install:  DefaultGenerativeInstallTimeout,
			Register: DefaultGenerativeRegisterTimeout,
			Invoke:   DefaultGenerativeInvokeTimeout,
		},
	}
}

// For returns the class of category. Zero fields fall back to defaults.
func (t Timeouts) For(category workload.Category) TimeoutClass {
	defaults := DefaultTimeouts()

	class, def := t.Standard, defaults.Standard
	if category == workload.CategoryGenerative {
		class, def = t.Generative, defaults.Generative
	}

	if class.Install <= 0 {
		class.Install = def.Install
	}

	if class.Register <= 0 {
		class.Register = def.Register
	}

	if class.Invoke <= 0 {
		class.Invoke = def.Invoke
	}

	return class
}
