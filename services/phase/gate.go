package phase

import (
	"fmt"
	"strings"
	"sync"

	"github.com/upb/ai-control-plane/services"
)

// Phase is the global operating mode of the AI layer. Phases are ordered:
// a higher phase permits every operation a lower one does.
type Phase int

const (
	ReadOnly Phase = iota
	Proposal
	Execution
)

// String returns the configuration name of the phase
func (p Phase) String() string {
	switch p {
	case ReadOnly:
		return "read_only"
	case Proposal:
		return "proposal"
	case Execution:
		return "execution"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ParsePhase parses a phase name. Accepts the names returned by String and
// their hyphenated or upper-case forms.
func ParsePhase(s string) (Phase, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "read_only", "readonly":
		return ReadOnly, nil
	case "proposal":
		return Proposal, nil
	case "execution":
		return Execution, nil
	}
	return ReadOnly, fmt.Errorf("invalid phase %q (expected read_only, proposal or execution)", s)
}

// Gate guards privileged operations by phase and by the global enabled flag.
// Both values are fixed at construction; Reset exists for tests.
type Gate struct {
	mu      sync.RWMutex
	current Phase
	enabled bool
}

// NewGate creates a gate for the configured phase.
func NewGate(current Phase, enabled bool) *Gate {
	return &Gate{current: current, enabled: enabled}
}

// Current returns the configured phase.
func (g *Gate) Current() Phase {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// Enabled reports whether the AI layer is switched on.
func (g *Gate) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled
}

// Reset replaces the phase and enabled flag.
func (g *Gate) Reset(current Phase, enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = current
	g.enabled = enabled
}

// RequireMinimumPhase rejects op when the current phase is below minimum.
// The error names both phases so operators know what to raise.
func (g *Gate) RequireMinimumPhase(op string, minimum Phase) error {
	current := g.Current()
	if current >= minimum {
		return nil
	}
	return services.NewDomainError(
		services.ErrorTypeExecutionDisabled,
		fmt.Sprintf("%s requires phase %s, current phase is %s", op, minimum, current),
		nil,
	).
		WithDetail("operation", op).
		WithDetail("required_phase", minimum.String()).
		WithDetail("current_phase", current.String())
}

// RequireEnabled rejects op when the AI layer is disabled by configuration.
func (g *Gate) RequireEnabled(op string) error {
	if g.Enabled() {
		return nil
	}
	return services.NewDomainError(services.ErrorTypeUnavailable, "AI features are disabled", nil).
		WithDetail("operation", op)
}
