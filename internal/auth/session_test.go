package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "app_session"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

func newTestPair(t *testing.T, now func() time.Time) (*SessionIssuer, *SessionValidator) {
	t.Helper()
	issuer, err := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TokenTTL:      time.Hour,
		Clock:         now,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock:         now,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return issuer, validator
}

func TestIssuedTokenValidates(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestPair(t, func() time.Time { return clockNow })

	token, expiresAt, err := issuer.Issue(Identity{UserID: testSessionUserID, Email: testSessionUserEmail, DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.UserDisplayName != "Alice" || claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected claims %#v", claims)
	}
}

func TestSessionValidatorRejectsExpiredToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := newTestPair(t, func() time.Time { return clockNow.Add(-2 * time.Hour) })
	_, validator := newTestPair(t, func() time.Time { return clockNow })

	token, _, err := issuer.Issue(Identity{UserID: testSessionUserID})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	_, validator := newTestPair(t, func() time.Time { return clockNow })

	otherIssuer := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	signed, err := otherIssuer.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for foreign issuer, got %v", err)
	}

	wrongKey := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	signed, err = wrongKey.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for wrong key, got %v", err)
	}

	if _, err := validator.ValidateToken(" "); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestSessionValidatorValidateRequest(t *testing.T) {
	issuer, validator := newTestPair(t, nil)
	token, _, err := issuer.Issue(Identity{UserID: testSessionUserID})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	cookieRequest := httptest.NewRequest(http.MethodGet, "/notes", http.NoBody)
	cookieRequest.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: token})
	if claims, err := validator.ValidateRequest(cookieRequest); err != nil || claims.UserID != testSessionUserID {
		t.Fatalf("cookie validation failed: %#v %v", claims, err)
	}

	bearerRequest := httptest.NewRequest(http.MethodGet, "/notes", http.NoBody)
	bearerRequest.Header.Set("Authorization", "Bearer "+token)
	if claims, err := validator.ValidateRequest(bearerRequest); err != nil || claims.UserID != testSessionUserID {
		t.Fatalf("bearer validation failed: %#v %v", claims, err)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/notes", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestSessionValidatorPrefersBearerOverCookie(t *testing.T) {
	issuer, validator := newTestPair(t, nil)
	token, _, err := issuer.Issue(Identity{UserID: testSessionUserID})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/rooms/note-1", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: "stale"})
	request.Header.Set("Authorization", "bearer "+token)
	if claims, err := validator.ValidateRequest(request); err != nil || claims.UserID != testSessionUserID {
		t.Fatalf("expected the bearer token to win, got %#v %v", claims, err)
	}
}

func TestSessionValidatorToleratesClockSkew(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := newTestPair(t, func() time.Time { return clockNow.Add(-time.Hour - 30*time.Second) })
	token, _, err := issuer.Issue(Identity{UserID: testSessionUserID})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	lenient, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		ClockSkew:     time.Minute,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	if _, err := lenient.ValidateToken(token); err != nil {
		t.Fatalf("expected token within skew to validate, got %v", err)
	}

	_, strict := newTestPair(t, func() time.Time { return clockNow })
	if _, err := strict.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token without skew, got %v", err)
	}
}

func TestConstructorsValidateConfiguration(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{CookieName: testSessionCookieName}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("k")}); !errors.Is(err, ErrMissingSessionCookieName) {
		t.Fatalf("expected missing cookie name, got %v", err)
	}
	if _, err := NewSessionIssuer(SessionIssuerConfig{}); err == nil {
		t.Fatalf("expected missing secret error")
	}
	issuer, _ := newTestPair(t, nil)
	if _, _, err := issuer.Issue(Identity{UserID: "  "}); err == nil {
		t.Fatalf("expected missing user id error")
	}
}
