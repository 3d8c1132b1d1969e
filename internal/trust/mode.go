package trust

import "trust-service/internal/model"

// RequiresPrivateMode reports whether sensitive output (balances, codes,
// confirmations) must go out of band instead of being spoken aloud.
func RequiresPrivateMode(level model.TrustLevel) bool {
	return level == model.TrustLow || level == model.TrustCritical
}

// PrivateModeFor adds the environment trigger: a noisy room goes private
// even when the level alone would not.
func PrivateModeFor(th Thresholds, level model.TrustLevel, s model.Signals) bool {
	return RequiresPrivateMode(level) || s.NoiseLevel > th.HighNoise
}

// Message is the line the assistant says when the level changes.
func Message(level model.TrustLevel) string {
	switch level {
	case model.TrustHigh:
		return "Secure environment detected. All banking features are available."
	case model.TrustMedium:
		return "Moderate security conditions. Some operations may need additional verification."
	case model.TrustLow:
		return "Noisy or uncertain conditions detected. Switching to private mode; sensitive details will be sent to your phone."
	default:
		return "Security risk detected. Monetary operations are blocked; please contact support."
	}
}
