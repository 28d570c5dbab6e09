package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/pkg/types"
)

var issuedAt = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testConfig() *config.AssertionConfig {
	return &config.AssertionConfig{
		Secret:   "test-secret",
		Issuer:   "https://idp.example.com",
		Audience: "ztengine",
		MaxAge:   5 * time.Minute,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestVerifyRoundTrip(t *testing.T) {
	cfg := testConfig()
	token, err := Issue(cfg, "alice", []string{"pwd", "otp", "face", "x-custom"}, issuedAt)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	a, err := NewVerifier(cfg, fixedClock(issuedAt.Add(time.Minute))).Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if a.Subject != "alice" || a.Issuer != cfg.Issuer {
		t.Errorf("unexpected identity %+v", a)
	}
	want := []types.AuthFactor{types.FactorPassword, types.FactorMFA, types.FactorBiometric}
	if len(a.Factors) != len(want) {
		t.Fatalf("expected factors %v, got %v", want, a.Factors)
	}
	for i := range want {
		if a.Factors[i] != want[i] {
			t.Errorf("factor %d: expected %s, got %s", i, want[i], a.Factors[i])
		}
	}
	if len(a.Unmapped) != 1 || a.Unmapped[0] != "x-custom" {
		t.Errorf("expected x-custom to be unmapped, got %v", a.Unmapped)
	}
	if !a.AuthTime.Equal(issuedAt) {
		t.Errorf("expected auth time %v, got %v", issuedAt, a.AuthTime)
	}
}

func TestVerifyRejects(t *testing.T) {
	cfg := testConfig()

	otherIssuer := *cfg
	otherIssuer.Issuer = "https://evil.example.com"

	otherSecret := *cfg
	otherSecret.Secret = "wrong"

	tests := []struct {
		name  string
		token func(t *testing.T) string
		now   time.Time
		want  error
	}{
		{
			name:  "stale authentication",
			token: func(t *testing.T) string { return mustIssue(t, cfg, "alice", issuedAt.Add(-10*time.Minute)) },
			now:   issuedAt,
			want:  ErrTokenInvalid,
		},
		{
			name:  "wrong issuer",
			token: func(t *testing.T) string { return mustIssue(t, &otherIssuer, "alice", issuedAt) },
			now:   issuedAt,
			want:  ErrTokenInvalid,
		},
		{
			name:  "wrong secret",
			token: func(t *testing.T) string { return mustIssue(t, &otherSecret, "alice", issuedAt) },
			now:   issuedAt,
			want:  ErrTokenInvalid,
		},
		{
			name:  "missing subject",
			token: func(t *testing.T) string { return mustIssue(t, cfg, "", issuedAt) },
			now:   issuedAt,
			want:  ErrMissingSubject,
		},
		{
			name: "unsigned token",
			token: func(t *testing.T) string {
				s, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
					RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: cfg.Issuer},
				}).SignedString(jwt.UnsafeAllowNoneSignatureType)
				if err != nil {
					t.Fatalf("sign: %v", err)
				}
				return s
			},
			now:  issuedAt,
			want: ErrTokenInvalid,
		},
		{
			name:  "garbage",
			token: func(*testing.T) string { return "not-a-jwt" },
			now:   issuedAt,
			want:  ErrTokenInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(cfg, fixedClock(tt.now)).Verify(tt.token(t))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerifyStaleAuthTime(t *testing.T) {
	cfg := testConfig()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Hour)),
		},
		AMR:      []string{"pwd"},
		AuthTime: issuedAt.Add(-time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := NewVerifier(cfg, fixedClock(issuedAt)).Verify(token); !errors.Is(err, ErrTokenStale) {
		t.Errorf("expected ErrTokenStale, got %v", err)
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	cfg := testConfig()
	token := mustIssue(t, cfg, "alice", issuedAt)
	v := NewVerifier(cfg, fixedClock(issuedAt))

	if _, err := v.Verify(token); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if _, err := v.Verify(token); !errors.Is(err, ErrTokenReplayed) {
		t.Errorf("expected ErrTokenReplayed, got %v", err)
	}
}

func TestVerifyWithoutSecret(t *testing.T) {
	cfg := testConfig()
	token := mustIssue(t, cfg, "alice", issuedAt)
	cfg.Secret = ""

	if _, err := NewVerifier(cfg, fixedClock(issuedAt)).Verify(token); !errors.Is(err, ErrNoSecret) {
		t.Errorf("expected ErrNoSecret, got %v", err)
	}
}

func TestMapMethods(t *testing.T) {
	factors, unmapped := MapMethods([]string{"pwd", "password", "hwk", "geo", "retina"})
	if len(factors) != 4 {
		t.Errorf("expected 4 distinct factors, got %v", factors)
	}
	if len(unmapped) != 0 {
		t.Errorf("expected everything mapped, got %v", unmapped)
	}
}

func mustIssue(t *testing.T, cfg *config.AssertionConfig, subject string, at time.Time) string {
	t.Helper()
	token, err := Issue(cfg, subject, []string{"pwd"}, at)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}
