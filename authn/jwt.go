// Package authn implements the pluggable Agent authentication interface of
// spec §6 (`authenticate(token) -> { agent_id, labels }`) and a default
// HMAC-signed JWT implementation of it.
package authn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/hetuflow/hetuflow/domain"
)

// Identity is what a successful authentication resolves a token to.
type Identity struct {
	AgentID string
	Labels  map[string]string
}

// Authenticator resolves a bearer token to an Agent identity. The Gateway
// treats any error as a domain.AuthError and rejects the connection; it is
// never retried server-side (spec §4.7 step 1, §7).
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// claims is the payload signed into the token. Only the fields the Gateway
// needs travel on the wire; there is no tenant/role notion in this protocol.
type claims struct {
	AgentID   string            `json:"agent_id"`
	Labels    map[string]string `json:"labels"`
	Issuer    string            `json:"iss"`
	ExpiresAt int64             `json:"exp"`
	IssuedAt  int64             `json:"iat"`
}

// JWTAuthenticator is the default Authenticator: an HS256-signed token
// minted by an operator-facing tool out of band and verified here with the
// shared secret.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator builds an Authenticator from a shared secret. The
// caller is responsible for sourcing secret from config (never a literal).
func NewJWTAuthenticator(secret []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, issuer: issuer}
}

// IssueToken mints a signed token for agentID, valid for ttl. Only the
// tests call it; the agent binary does not mint tokens, and it is never
// exposed over the wire protocol itself.
func (a *JWTAuthenticator) IssueToken(agentID string, labels map[string]string, ttl time.Duration) (string, error) {
	now := time.Now().Unix()
	c := claims{
		AgentID:   agentID,
		Labels:    labels,
		Issuer:    a.issuer,
		ExpiresAt: now + int64(ttl.Seconds()),
		IssuedAt:  now,
	}
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	signed := base64URLEncode(headerJSON) + "." + base64URLEncode(claimsJSON)
	return signed + "." + a.sign(signed), nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(token string) (Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, &domain.AuthError{Kind: domain.AuthInvalid, Err: errInvalidFormat}
	}

	signed := parts[0] + "." + parts[1]
	if a.sign(signed) != parts[2] {
		return Identity{}, &domain.AuthError{Kind: domain.AuthInvalid, Err: errBadSignature}
	}

	claimsJSON, err := base64URLDecode(parts[1])
	if err != nil {
		return Identity{}, &domain.AuthError{Kind: domain.AuthInvalid, Err: err}
	}
	var c claims
	if err := json.Unmarshal(claimsJSON, &c); err != nil {
		return Identity{}, &domain.AuthError{Kind: domain.AuthInvalid, Err: err}
	}

	if c.Issuer != a.issuer {
		return Identity{}, &domain.AuthError{Kind: domain.AuthInvalid, Err: errWrongIssuer}
	}
	if time.Now().Unix() > c.ExpiresAt {
		return Identity{}, &domain.AuthError{Kind: domain.AuthExpired, Err: errExpired}
	}

	return Identity{AgentID: c.AgentID, Labels: c.Labels}, nil
}

func (a *JWTAuthenticator) sign(data string) string {
	h := hmac.New(sha256.New, a.secret)
	h.Write([]byte(data))
	return base64URLEncode(h.Sum(nil))
}

func base64URLEncode(b []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(b), "=")
}

func base64URLDecode(s string) ([]byte, error) {
	if pad := len(s) % 4; pad > 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return base64.URLEncoding.DecodeString(s)
}

type authnError string

func (e authnError) Error() string { return string(e) }

const (
	errInvalidFormat = authnError("malformed token")
	errBadSignature  = authnError("signature mismatch")
	errWrongIssuer   = authnError("unexpected issuer")
	errExpired       = authnError("token expired")
)
