//go:build !devauth

package auth

// DevUnsignedClaim never accepts unsigned identity claims in regular builds.
// The permissive variant exists only under the devauth build tag and is
// excluded from production binaries at compile time.
func DevUnsignedClaim(string) (Claims, bool) {
	return Claims{}, false
}
