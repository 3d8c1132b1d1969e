// Package trust maps contextual voice-channel signals to a discrete trust level.
//
// Rules are evaluated in order and the first match wins:
//
//	failures >= lockout                                   -> CRITICAL
//	noise > highNoise and (voice absent or < lowVoice)    -> LOW
//	voice >= highVoice and emotion >= highEmotion         -> HIGH
//	voice >= mediumVoice                                  -> MEDIUM
//	otherwise                                             -> LOW
//
// An absent voice match is not the same as a zero score, but it can never
// reach HIGH or MEDIUM.
package trust

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"trust-service/internal/model"
)

var ErrInvalidInputSignal = errors.New("invalid input signal")

// Rule names recorded on every assessment.
const (
	RuleRepeatedFailures = "repeated_failures"
	RuleNoisyChannel     = "noisy_unreliable_voice"
	RuleStrongVoice      = "strong_voice_confident_speaker"
	RuleModerateVoice    = "moderate_voice"
	RuleFallback         = "fallback"
)

type Thresholds struct {
	HighNoise      float64
	HighVoice      float64
	MediumVoice    float64
	LowVoice       float64
	HighEmotion    float64
	FailureLockout int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HighNoise:      0.3,
		HighVoice:      0.85,
		MediumVoice:    0.70,
		LowVoice:       0.5,
		HighEmotion:    0.7,
		FailureLockout: 3,
	}
}

func (t Thresholds) Validate() error {
	for _, v := range []float64{t.HighNoise, t.HighVoice, t.MediumVoice, t.LowVoice, t.HighEmotion} {
		if !inUnit(v) {
			return fmt.Errorf("threshold %v outside [0,1]", v)
		}
	}
	if t.LowVoice > t.MediumVoice || t.MediumVoice > t.HighVoice {
		return errors.New("voice thresholds must satisfy low <= medium <= high")
	}
	if t.FailureLockout < 1 {
		return errors.New("failure lockout must be at least 1")
	}
	return nil
}

// Assess computes the trust level for one request. It has no side effects
// and fails only on out-of-range or NaN signals.
func Assess(th Thresholds, s model.Signals, now time.Time) (*model.TrustAssessment, error) {
	if err := validateSignals(s); err != nil {
		return nil, err
	}

	level, rule, why := classify(th, s)

	return &model.TrustAssessment{
		ID:         uuid.New().String(),
		Level:      level,
		Signals:    copySignals(s),
		Rule:       rule,
		Rationale:  why,
		AssessedAt: now.UTC(),
	}, nil
}

func classify(th Thresholds, s model.Signals) (model.TrustLevel, string, string) {
	voicePresent := s.VoiceMatch != nil
	var voice float64
	if voicePresent {
		voice = *s.VoiceMatch
	}

	switch {
	case s.RecentFailures >= th.FailureLockout:
		return model.TrustCritical, RuleRepeatedFailures,
			fmt.Sprintf("repeated authentication failures (%d)", s.RecentFailures)

	case s.NoiseLevel > th.HighNoise && (!voicePresent || voice < th.LowVoice):
		return model.TrustLow, RuleNoisyChannel, "unreliable voice channel in noisy environment"

	case voicePresent && voice >= th.HighVoice && s.EmotionalConfidence >= th.HighEmotion:
		return model.TrustHigh, RuleStrongVoice,
			fmt.Sprintf("strong voice match (%.2f) and confident speaker", voice)

	case voicePresent && voice >= th.MediumVoice:
		return model.TrustMedium, RuleModerateVoice,
			fmt.Sprintf("moderate voice match (%.2f)", voice)
	}

	if !voicePresent {
		return model.TrustLow, RuleFallback, "no voice match available"
	}
	return model.TrustLow, RuleFallback, fmt.Sprintf("weak voice match (%.2f)", voice)
}

func validateSignals(s model.Signals) error {
	if !inUnit(s.NoiseLevel) {
		return fmt.Errorf("%w: noise level %v", ErrInvalidInputSignal, s.NoiseLevel)
	}
	if !inUnit(s.EmotionalConfidence) {
		return fmt.Errorf("%w: emotional confidence %v", ErrInvalidInputSignal, s.EmotionalConfidence)
	}
	if s.VoiceMatch != nil && !inUnit(*s.VoiceMatch) {
		return fmt.Errorf("%w: voice match %v", ErrInvalidInputSignal, *s.VoiceMatch)
	}
	if s.RecentFailures < 0 {
		return fmt.Errorf("%w: recent failures %d", ErrInvalidInputSignal, s.RecentFailures)
	}
	return nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func copySignals(s model.Signals) model.Signals {
	if s.VoiceMatch != nil {
		v := *s.VoiceMatch
		s.VoiceMatch = &v
	}
	return s
}
