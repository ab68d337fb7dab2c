package service

import (
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/atoms-tech/atoms-collab/internal/errs"
)

func TestTokenService_IssueVerify(t *testing.T) {
	t.Parallel()

	s := NewTokenService([]byte("k"), time.Minute)
	uid := uuid.Must(uuid.NewV4())

	tok, err := s.Issue(uid, "Ada")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.AccessToken == "" || !tok.ExpiresAt.After(time.Now()) {
		t.Fatalf("bad tokens: %+v", tok)
	}

	sess, err := s.Verify(tok.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sess.UserID != uid.String() || sess.DisplayName != "Ada" || sess.AccessToken != tok.AccessToken {
		t.Fatalf("session mismatch: %+v", sess)
	}
	if sess.ClientID != "" {
		t.Fatalf("client id is assigned by the transport")
	}
}

func TestTokenService_Rejects(t *testing.T) {
	t.Parallel()

	s := NewTokenService([]byte("k"), time.Minute)
	uid := uuid.Must(uuid.NewV4())

	if _, err := s.Issue(uuid.Nil, "x"); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("want validation error for nil id, got %v", err)
	}

	other := NewTokenService([]byte("other"), time.Minute)
	foreign, _ := other.Issue(uid, "Ada")
	if _, err := s.Verify(foreign.AccessToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want unauthorized for wrong key, got %v", err)
	}

	past := NewTokenService([]byte("k"), time.Minute)
	past.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _ := past.Issue(uid, "Ada")
	if _, err := s.Verify(expired.AccessToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want unauthorized for expired token, got %v", err)
	}

	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uid.String()},
	}).SignedString([]byte("k"))
	if _, err := s.Verify(hs512); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want unauthorized for HS512, got %v", err)
	}

	badSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "not-a-uuid"},
	}).SignedString([]byte("k"))
	if _, err := s.Verify(badSub); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want unauthorized for bad subject, got %v", err)
	}
}

func TestTokenService_NameFallsBackToID(t *testing.T) {
	t.Parallel()

	s := NewTokenService([]byte("k"), 0)
	uid := uuid.Must(uuid.NewV4())
	tok, _ := s.Issue(uid, "")
	sess, err := s.Verify(tok.AccessToken)
	if err != nil || sess.DisplayName != uid.String() {
		t.Fatalf("display name: %q err=%v", sess.DisplayName, err)
	}
}
