package shell

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultShell is used when a shell definition leaves the program empty.
const DefaultShell = "/bin/bash"

// AllowedShells is the whitelist of programs a shell may run.
var AllowedShells = map[string]bool{
	"/bin/bash": true,
	"/bin/sh":   true,
	"/bin/zsh":  true,
}

const (
	// MaxInputMessageSize bounds a single input message; larger ones are
	// dropped by the multiplexer.
	MaxInputMessageSize = 64 * 1024

	// Terminal dimensions are clamped to these bounds.
	MaxTermCols uint16 = 500
	MaxTermRows uint16 = 200

	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// ValidateShell accepts an empty string (DefaultShell) or a whitelisted
// program.
func ValidateShell(shell string) error {
	if shell == "" || AllowedShells[shell] {
		return nil
	}
	allowed := make([]string, 0, len(AllowedShells))
	for s := range AllowedShells {
		allowed = append(allowed, s)
	}
	sort.Strings(allowed)
	return fmt.Errorf("shell %q is not allowed; permitted shells: %s", shell, strings.Join(allowed, ", "))
}

// ResolveShell validates shell and applies the default.
func ResolveShell(shell string) (string, error) {
	if err := ValidateShell(shell); err != nil {
		return "", err
	}
	if shell == "" {
		return DefaultShell, nil
	}
	return shell, nil
}

// ClampSize bounds cols and rows to the allowed maximum. Zero values are
// replaced by the defaults.
func ClampSize(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	return min(cols, MaxTermCols), min(rows, MaxTermRows)
}
