package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature checks a GitHub webhook signature (X-Hub-Signature-256)
// against the raw request body. An empty secret always fails: a repository
// without a configured secret must not accept any webhook. A missing or
// malformed header fails before any HMAC is computed.
func VerifySignature(body []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return false
	}
	if !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return false
	}
	received, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}

// Authorized applies the single-tenant allowlist: the pushed repository must
// match the one configured repository, case-insensitively. An unset
// allowlist denies everything.
func Authorized(owner, name, allowedOwner, allowedName string) bool {
	if allowedOwner == "" || allowedName == "" {
		return false
	}
	return strings.EqualFold(owner, allowedOwner) && strings.EqualFold(name, allowedName)
}
