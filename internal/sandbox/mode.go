package sandbox

import "strings"

// MainAgent is the agent name excluded by ModeNonMain.
const MainAgent = "main"

// IsActive reports whether sessions of agentName run sandboxed under policy.
// Exclusion under ModeNonMain is by agent name only, compared case-insensitively.
func IsActive(policy Policy, agentName string) bool {
	switch policy.Mode {
	case ModeAll:
		return true
	case ModeNonMain:
		return !strings.EqualFold(strings.TrimSpace(agentName), MainAgent)
	default:
		return false
	}
}
