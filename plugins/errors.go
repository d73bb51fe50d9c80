package plugins

import "fmt"

// ErrorCode is the closed taxonomy of domain-level lifecycle failures: some
// are reported synchronously to the caller, some only ever reach the
// Supervisor or a log line. See PluginError for the carrier type.
type ErrorCode int

const (
	// ErrAlreadyInstalled: Install called with a name already present.
	ErrAlreadyInstalled ErrorCode = iota
	// ErrArtifactNotFound: the PluginLoader could not resolve the locator.
	ErrArtifactNotFound
	// ErrClassNotFound: the locator resolved, but the named constructor did not.
	ErrClassNotFound
	// ErrNotAPlugin: the resolved value does not satisfy the Plugin interface.
	ErrNotAPlugin
	// ErrNoDefaultConstructor: no parameterless factory registered for the class.
	ErrNoDefaultConstructor
	// ErrInstantiationFailed: the factory function itself panicked or returned nil.
	ErrInstantiationFailed
	// ErrPreconditionViolation: a lifecycle method was called from the wrong state.
	ErrPreconditionViolation
	// ErrContractViolation: loaded class violates the plugin contract in some
	// way other than ErrNotAPlugin/ErrNoDefaultConstructor.
	ErrContractViolation
	// ErrLifecycleFault: the plugin's own Init/Start/Stop returned an error or panicked.
	ErrLifecycleFault
	// ErrRecoveryGaveUp: the Supervisor exhausted max-retries for a plugin.
	ErrRecoveryGaveUp
	// ErrDispatchFault: an event handler returned an error or panicked.
	ErrDispatchFault
	// ErrConfigurationFault: a config or secrets file failed to parse.
	ErrConfigurationFault
	// ErrNotFound: the named plugin has no registry entry.
	ErrNotFound
)

func (c ErrorCode) String() string {
	switch c {
	case ErrAlreadyInstalled:
		return "ALREADY_INSTALLED"
	case ErrArtifactNotFound:
		return "ARTIFACT_NOT_FOUND"
	case ErrClassNotFound:
		return "CLASS_NOT_FOUND"
	case ErrNotAPlugin:
		return "NOT_A_PLUGIN"
	case ErrNoDefaultConstructor:
		return "NO_DEFAULT_CONSTRUCTOR"
	case ErrInstantiationFailed:
		return "INSTANTIATION_FAILED"
	case ErrPreconditionViolation:
		return "PRECONDITION_VIOLATION"
	case ErrContractViolation:
		return "CONTRACT_VIOLATION"
	case ErrLifecycleFault:
		return "LIFECYCLE_FAULT"
	case ErrRecoveryGaveUp:
		return "RECOVERY_GAVE_UP"
	case ErrDispatchFault:
		return "DISPATCH_FAULT"
	case ErrConfigurationFault:
		return "CONFIGURATION_FAULT"
	case ErrNotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// PluginError is the carrier type for every error this module returns from a
// lifecycle operation. It always names the plugin involved (when known) and
// wraps the underlying cause, if any, for errors.Is/errors.As.
type PluginError struct {
	Code    ErrorCode
	Plugin  string
	Op      string
	Message string
	Cause   error
}

func (e *PluginError) Error() string {
	if e.Plugin != "" {
		return fmt.Sprintf("%s: plugin %q: %s: %s", e.Code, e.Plugin, e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, e.Message)
}

func (e *PluginError) Unwrap() error { return e.Cause }

// NewError constructs a PluginError with no underlying cause.
func NewError(code ErrorCode, pluginName, op, message string) *PluginError {
	return &PluginError{Code: code, Plugin: pluginName, Op: op, Message: message}
}

// WrapError constructs a PluginError wrapping cause.
func WrapError(code ErrorCode, pluginName, op string, cause error) *PluginError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &PluginError{Code: code, Plugin: pluginName, Op: op, Message: msg, Cause: cause}
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a *PluginError.
func CodeOf(err error) (ErrorCode, bool) {
	for err != nil {
		if pe, ok := err.(*PluginError); ok {
			return pe.Code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}
