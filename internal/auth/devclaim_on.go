//go:build devauth

package auth

import (
	"strings"
	"time"
)

// DevUnsignedClaim accepts a bare identity string in place of a signed
// credential. Local testing only; this file is compiled solely under the
// devauth build tag.
func DevUnsignedClaim(identity string) (Claims, bool) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Claims{}, false
	}
	now := time.Now().UTC()
	return Claims{
		Subject:     identity,
		DisplayName: identity,
		IssuedAt:    now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}, true
}
