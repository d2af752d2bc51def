package sandbox

import (
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	sessionKeyPrefix = "agent:"
	maxSlugLength    = 48
	hashSuffixLength = 8
)

// Identity names the container and host workspace that serve a session.
type Identity struct {
	// Key is the raw identity unit: the agent name or the full session key.
	Key           string
	ContainerName string
	WorkspaceDir  string
}

// AgentNameFromSessionKey returns the lower-cased agent segment of
// "agent:<name>:...". Keys without that shape belong to MainAgent.
func AgentNameFromSessionKey(sessionKey string) string {
	trimmed := strings.TrimSpace(sessionKey)
	if !strings.HasPrefix(trimmed, sessionKeyPrefix) {
		return MainAgent
	}
	rest := strings.TrimPrefix(trimmed, sessionKeyPrefix)
	name, _, _ := strings.Cut(rest, ":")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return MainAgent
	}
	return name
}

// ResolveIdentity derives the container name and workspace path for a session.
// The result depends only on its inputs.
func ResolveIdentity(policy Policy, sessionKey, containerPrefix string) Identity {
	var key, unit string
	switch policy.Scope {
	case ScopeAgent:
		key = AgentNameFromSessionKey(sessionKey)
		unit = "agent-" + safeName(key, false)
	default:
		key = strings.TrimSpace(sessionKey)
		unit = safeName(key, true)
	}

	return Identity{
		Key:           key,
		ContainerName: containerPrefix + unit,
		WorkspaceDir:  filepath.Join(policy.WorkspaceRoot, unit),
	}
}

// safeName maps raw to [a-z0-9_.-]. When that loses information, or when
// withDigest is set, a short blake3 digest of raw is appended so distinct
// inputs keep distinct names.
func safeName(raw string, withDigest bool) string {
	slug := slugify(raw)
	if !withDigest && slug == raw && slug != "" {
		return slug
	}
	sum := blake3.Sum256([]byte(raw))
	digest := hex.EncodeToString(sum[:])[:hashSuffixLength]
	if slug == "" {
		return digest
	}
	return slug + "-" + digest
}

func slugify(raw string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		default:
			pendingDash = true
		}
	}
	slug := strings.Trim(b.String(), "-.")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-.")
	}
	return slug
}
