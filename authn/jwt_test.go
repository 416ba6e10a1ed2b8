package authn

import (
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/domain"
)

func TestJWTAuthenticatorAcceptsValidToken(t *testing.T) {
	a := NewJWTAuthenticator([]byte("secret"), "hetuflow-test")
	token, err := a.IssueToken("agent-1", map[string]string{"arch": "amd64"}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	identity, err := a.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.AgentID != "agent-1" {
		t.Fatalf("expected agent-1, got %s", identity.AgentID)
	}
	if identity.Labels["arch"] != "amd64" {
		t.Fatalf("expected label to round-trip, got %+v", identity.Labels)
	}
}

func TestJWTAuthenticatorRejectsExpiredToken(t *testing.T) {
	a := NewJWTAuthenticator([]byte("secret"), "hetuflow-test")
	token, err := a.IssueToken("agent-1", nil, -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	_, err = a.Authenticate(token)
	assertAuthErrorKind(t, err, domain.AuthExpired)
}

func TestJWTAuthenticatorRejectsWrongIssuer(t *testing.T) {
	issuer := NewJWTAuthenticator([]byte("secret"), "hetuflow-test")
	token, err := issuer.IssueToken("agent-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	verifier := NewJWTAuthenticator([]byte("secret"), "some-other-issuer")
	_, err = verifier.Authenticate(token)
	assertAuthErrorKind(t, err, domain.AuthInvalid)
}

func TestJWTAuthenticatorRejectsBadSignature(t *testing.T) {
	signer := NewJWTAuthenticator([]byte("secret"), "hetuflow-test")
	token, err := signer.IssueToken("agent-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	verifier := NewJWTAuthenticator([]byte("different-secret"), "hetuflow-test")
	_, err = verifier.Authenticate(token)
	assertAuthErrorKind(t, err, domain.AuthInvalid)
}

func TestJWTAuthenticatorRejectsMalformedToken(t *testing.T) {
	a := NewJWTAuthenticator([]byte("secret"), "hetuflow-test")
	_, err := a.Authenticate("not-a-jwt")
	assertAuthErrorKind(t, err, domain.AuthInvalid)
}

func assertAuthErrorKind(t *testing.T, err error, want domain.AuthErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error with kind %s, got nil", want)
	}
	authErr, ok := err.(*domain.AuthError)
	if !ok {
		t.Fatalf("expected *domain.AuthError, got %T (%v)", err, err)
	}
	if authErr.Kind != want {
		t.Fatalf("expected kind %s, got %s", want, authErr.Kind)
	}
}
