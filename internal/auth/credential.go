package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrCredentialMalformed        = errors.New("connection credential is malformed")
	ErrCredentialClaimsInvalid    = errors.New("connection credential claims are invalid")
	ErrCredentialSignatureInvalid = errors.New("connection credential signature is invalid")
	ErrCredentialExpired          = errors.New("connection credential is expired")
)

// Claims is the payload of a signed connection credential issued by the login
// service. The relay only verifies it; issuance happens elsewhere.
type Claims struct {
	Subject     string    `json:"subject"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Verifier checks credentials against the shared signing secret.
type Verifier struct {
	Secret []byte
	Now    func() time.Time
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{Secret: secret}
}

func (v *Verifier) Verify(credential string) (Claims, error) {
	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now().UTC()
	}
	claims, payload, signature, err := decodeCredential(credential)
	if err != nil {
		return Claims{}, err
	}
	if len(v.Secret) == 0 {
		return Claims{}, ErrCredentialSignatureInvalid
	}
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), signature) {
		return Claims{}, ErrCredentialSignatureInvalid
	}
	if err := validateClaims(claims); err != nil {
		return Claims{}, err
	}
	if !claims.ExpiresAt.After(now) {
		return Claims{}, ErrCredentialExpired
	}
	return claims, nil
}

func validateClaims(claims Claims) error {
	if strings.TrimSpace(claims.Subject) == "" ||
		claims.IssuedAt.IsZero() ||
		claims.ExpiresAt.IsZero() {
		return ErrCredentialClaimsInvalid
	}
	if !claims.ExpiresAt.After(claims.IssuedAt) {
		return ErrCredentialClaimsInvalid
	}
	return nil
}

func decodeCredential(credential string) (Claims, []byte, []byte, error) {
	parts := strings.Split(strings.TrimSpace(credential), ".")
	if len(parts) != 2 {
		return Claims{}, nil, nil, ErrCredentialMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, nil, nil, ErrCredentialMalformed
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, nil, nil, ErrCredentialMalformed
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, nil, nil, ErrCredentialMalformed
	}
	return claims, payload, signature, nil
}

// EncodeSignedCredential signs claims with the shared secret. Used by the login
// collaborator and by tests; the relay itself never issues credentials.
func EncodeSignedCredential(claims Claims, secret []byte) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	signature := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}
