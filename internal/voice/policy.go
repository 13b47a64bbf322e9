package voice

import "fmt"

// DropPolicy decides whether dropped audio is reported to the listener.
// Drops are counted in metrics under either policy.
type DropPolicy string

const (
	// DropSilent drops without telling the listener.
	DropSilent DropPolicy = "silent"

	// DropReport delivers an engine.Error event for every drop.
	DropReport DropPolicy = "report"
)

// ParseDropPolicy parses s. The empty string yields [DropSilent].
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch DropPolicy(s) {
	case "", DropSilent:
		return DropSilent, nil
	case DropReport:
		return DropReport, nil
	default:
		return "", fmt.Errorf("voice: unknown drop policy %q (want %q or %q)", s, DropSilent, DropReport)
	}
}

func (p DropPolicy) reports() bool { return p == DropReport }
