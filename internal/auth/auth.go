// Package auth verifies identity provider assertions handed to the engine
// after authentication.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/pkg/types"
)

var (
	ErrNoSecret       = errors.New("assertion secret is not configured")
	ErrTokenInvalid   = errors.New("invalid assertion")
	ErrTokenStale     = errors.New("assertion authentication is too old")
	ErrTokenReplayed  = errors.New("assertion has already been used")
	ErrMissingSubject = errors.New("assertion has no subject")
)

// amrFactors maps RFC 8176 authentication method references to factors.
var amrFactors = map[string]types.AuthFactor{
	"pwd":      types.FactorPassword,
	"password": types.FactorPassword,
	"kba":      types.FactorPassword,
	"pin":      types.FactorPassword,
	"mfa":      types.FactorMFA,
	"otp":      types.FactorMFA,
	"sms":      types.FactorMFA,
	"tel":      types.FactorMFA,
	"fpt":      types.FactorBiometric,
	"face":     types.FactorBiometric,
	"iris":     types.FactorBiometric,
	"retina":   types.FactorBiometric,
	"vbm":      types.FactorBiometric,
	"hwk":      types.FactorDevice,
	"swk":      types.FactorDevice,
	"sc":       types.FactorDevice,
	"geo":      types.FactorLocation,
	"location": types.FactorLocation,
}

// Claims are the identity provider assertion claims.
type Claims struct {
	jwt.RegisteredClaims
	AMR      []string `json:"amr,omitempty"`
	AuthTime int64    `json:"auth_time,omitempty"`
}

// Assertion is a verified authentication result.
type Assertion struct {
	Subject  string
	Issuer   string
	Factors  []types.AuthFactor
	AuthTime time.Time
	// Unmapped lists amr values with no corresponding factor.
	Unmapped []string
}

// Verifier checks HS256 identity assertions. Each assertion id is accepted once.
type Verifier struct {
	config *config.AssertionConfig
	now    func() time.Time
	seen   map[string]time.Time
	mu     sync.Mutex
}

// NewVerifier creates a verifier. now may be nil.
func NewVerifier(cfg *config.AssertionConfig, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		config: cfg,
		now:    now,
		seen:   make(map[string]time.Time),
	}
}

// Verify validates the signature, issuer, audience and age of an assertion
// and maps its authentication methods to factors.
func (v *Verifier) Verify(tokenString string) (*Assertion, error) {
	if v.config.Secret == "" {
		return nil, ErrNoSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
	}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(v.config.Secret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}

	now := v.now()
	authTime := now
	switch {
	case claims.AuthTime > 0:
		authTime = time.Unix(claims.AuthTime, 0)
	case claims.IssuedAt != nil:
		authTime = claims.IssuedAt.Time
	}
	if now.Sub(authTime) > v.config.MaxAge {
		return nil, ErrTokenStale
	}

	if claims.ID != "" {
		if err := v.markUsed(claims.ID, authTime.Add(v.config.MaxAge), now); err != nil {
			return nil, err
		}
	}

	factors, unmapped := MapMethods(claims.AMR)
	return &Assertion{
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Factors:  factors,
		AuthTime: authTime,
		Unmapped: unmapped,
	}, nil
}

// markUsed records an assertion id until it can no longer pass the age check.
func (v *Verifier) markUsed(jti string, until, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for id, expires := range v.seen {
		if now.After(expires) {
			delete(v.seen, id)
		}
	}
	if _, used := v.seen[jti]; used {
		return ErrTokenReplayed
	}
	v.seen[jti] = until
	return nil
}

// MapMethods converts amr values to distinct factors in first-seen order.
func MapMethods(amr []string) ([]types.AuthFactor, []string) {
	var factors []types.AuthFactor
	var unmapped []string
	seen := make(map[types.AuthFactor]bool)
	for _, method := range amr {
		f, ok := amrFactors[method]
		if !ok {
			unmapped = append(unmapped, method)
			continue
		}
		if !seen[f] {
			seen[f] = true
			factors = append(factors, f)
		}
	}
	return factors, unmapped
}

// Issue signs an assertion for subject, as an identity provider would. It
// is used by tooling and tests.
func Issue(cfg *config.AssertionConfig, subject string, amr []string, authTime time.Time) (string, error) {
	if cfg.Secret == "" {
		return "", ErrNoSecret
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(authTime),
			ExpiresAt: jwt.NewNumericDate(authTime.Add(cfg.MaxAge)),
			ID:        generateJTI(),
		},
		AMR:      amr,
		AuthTime: authTime.Unix(),
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

// generateJTI generates a unique assertion id.
func generateJTI() string {
	return uuid.NewString()
}
