// Package risk computes session risk scores and trust levels.
package risk

import (
	"github.com/Micca1978/ztengine/pkg/types"
)

// factorWeights is the authentication strength contributed by each factor.
var factorWeights = map[types.AuthFactor]int{
	types.FactorPassword:  20,
	types.FactorMFA:       40,
	types.FactorBiometric: 35,
	types.FactorDevice:    30,
	types.FactorLocation:  25,
}

// AuthStrength sums the weights of the distinct known factors, capped at 100.
func AuthStrength(factors []types.AuthFactor) int {
	seen := make(map[types.AuthFactor]bool, len(factors))
	strength := 0
	for _, f := range factors {
		if seen[f] {
			continue
		}
		seen[f] = true
		strength += factorWeights[f]
	}
	if strength > 100 {
		strength = 100
	}
	return strength
}

// KnownFactor reports whether f carries an authentication weight.
func KnownFactor(f types.AuthFactor) bool {
	_, ok := factorWeights[f]
	return ok
}

// Classify maps a risk score and the factors used to a trust level. Bands
// are checked from highest risk down; verified needs both low risk and
// mfa plus biometric.
func Classify(riskScore int, factors []types.AuthFactor) types.TrustLevel {
	switch {
	case riskScore >= 80:
		return types.TrustUntrusted
	case riskScore >= 60:
		return types.TrustLow
	case riskScore >= 40:
		return types.TrustMedium
	case riskScore >= 20 || !hasStrongFactors(factors):
		return types.TrustHigh
	default:
		return types.TrustVerified
	}
}

func hasStrongFactors(factors []types.AuthFactor) bool {
	var mfa, biometric bool
	for _, f := range factors {
		switch f {
		case types.FactorMFA:
			mfa = true
		case types.FactorBiometric:
			biometric = true
		}
	}
	return mfa && biometric
}

// Clamp bounds a score to [0, 100].
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
