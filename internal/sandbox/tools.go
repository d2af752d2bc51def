package sandbox

import "strings"

// Allows reports whether a tool may run inside the sandbox.
// Deny patterns win over allow patterns; an empty allow list permits every
// tool that is not denied. "*" in a pattern matches any run of characters.
func (p ToolPolicy) Allows(toolName string) bool {
	name := strings.ToLower(strings.TrimSpace(toolName))
	if name == "" {
		return false
	}
	if matchToolPatterns(p.Deny, name) {
		return false
	}
	if len(p.Allow) == 0 {
		return true
	}
	return matchToolPatterns(p.Allow, name)
}

// Filter returns the tool names permitted by the policy, preserving order.
func (p ToolPolicy) Filter(toolNames []string) []string {
	out := make([]string, 0, len(toolNames))
	for _, name := range toolNames {
		if p.Allows(name) {
			out = append(out, name)
		}
	}
	return out
}

func matchToolPatterns(patterns []string, name string) bool {
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if matchToolPattern(pattern, name) {
			return true
		}
	}
	return false
}

// Match pattern where "*" matches zero or more characters.
func matchToolPattern(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}

	if pattern[0] == '*' {
		for i := 0; i <= len(name); i++ {
			if matchToolPattern(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	}

	if name == "" || pattern[0] != name[0] {
		return false
	}

	return matchToolPattern(pattern[1:], name[1:])
}
