package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
)

// SanitizeToolName maps a canonical tool identifier such as "search.web" to a
// Bedrock-compatible tool name. Dots become underscores, any rune outside
// [a-zA-Z0-9_-] becomes '_' and names longer than 64 bytes are truncated with
// a stable hash suffix so distinct inputs stay distinct. The mapping is
// deterministic; the adapter keeps a per-request reverse map to restore the
// canonical name in responses.
func SanitizeToolName(in string) string {
	const (
		maxLen  = 64
		hashLen = 8
	)
	out := make([]byte, 0, len(in))
	for _, r := range in {
		if isSafeRune(r) {
			out = append(out, byte(r))
			continue
		}
		out = append(out, '_')
	}
	if len(out) <= maxLen {
		return string(out)
	}
	sum := sha256.Sum256([]byte(in))
	suffix := hex.EncodeToString(sum[:])[:hashLen]
	return string(out[:maxLen-1-hashLen]) + "_" + suffix
}

func isProviderSafeName(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !isSafeRune(r) {
			return false
		}
	}
	return true
}

func isSafeRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
}
