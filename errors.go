package vmcs

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// CheckFailure reports a violated VMCS consistency rule.
// Rule is the identifier of the failing rule (e.g. "guest_cr3_for_unsupported_bits").
type CheckFailure struct {
	Rule   string
	Detail string
}

func (e *CheckFailure) Error() string {
	if e.Detail == "" || isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError includes the violated condition and observed values
func (e *CheckFailure) detailedError() string {
	return fmt.Sprintf("vmcs: check failed: %s: %s", e.Rule, e.Detail)
}

// sanitizedError only names the rule
func (e *CheckFailure) sanitizedError() string {
	return "vmcs: check failed: " + e.Rule
}

// LogicError is returned when a field is accessed that does not exist on
// this processor. It indicates a defect in the caller, not bad VMCS state.
type LogicError struct {
	Op    string
	Field string
}

func (e *LogicError) Error() string {
	return fmt.Sprintf("vmcs: %s %s: field does not exist", e.Op, e.Field)
}

// TranslationError is returned by a PhysMem when a physical address is not mapped.
type TranslationError struct {
	Addr uint64
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("vmcs: physical address 0x%x is not mapped", e.Addr)
}

func (e *TranslationError) Unwrap() error { return ErrNotMapped }

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("VMCS_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	if debug := os.Getenv("VMCS_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// fail builds a CheckFailure; the rule identifier is filled in by the Checker.
func fail(format string, args ...any) error {
	return &CheckFailure{Detail: fmt.Sprintf(format, args...)}
}

// IsCheckFailure reports whether err is (or wraps) a CheckFailure and returns it.
func IsCheckFailure(err error) (*CheckFailure, bool) {
	var cf *CheckFailure
	if errors.As(err, &cf) {
		return cf, true
	}
	return nil, false
}

// Common errors for API consumers
var (
	ErrNotMapped    = errors.New("vmcs: memory not mapped")
	ErrMisaligned   = errors.New("vmcs: address not page-aligned")
	ErrUnknownRule  = errors.New("vmcs: unknown rule")
	ErrUnknownField = errors.New("vmcs: unknown field")
	ErrUnsupported  = errors.New("vmcs: not supported on this platform")
)
