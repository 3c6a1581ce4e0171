package transform

import "strings"

// IdentityMarker tags the core-owned identity block so a later pass (or
// a human reading a capture) can spot the injection.
const IdentityMarker = "--- [IDENTITY_PATCH] ---"

// identityToken is the literal whose presence in a user-supplied system
// prompt suppresses injection entirely.
const identityToken = "Antigravity"

const identityBlock = IdentityMarker + `
You are Antigravity, a powerful agentic AI coding assistant. You are pair
programming with a user to solve their task: building new code, modifying
or debugging an existing codebase, or answering questions. Be direct,
ground every claim in the provided context, and decline to fabricate
file contents or tool results.`

// needsIdentity reports whether the user's system prompt already claims
// the Antigravity identity.
func needsIdentity(userSystem string) bool {
	return !strings.Contains(userSystem, identityToken)
}
