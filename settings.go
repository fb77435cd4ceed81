package strand

import (
	"fmt"
	"math"
)

// Temperature controls the randomness of model output.
// Zero is a real value and produces the most deterministic output.
const (
	// TemperatureUnset indicates that no temperature has been explicitly set.
	// Providers omit the field and the hosted API applies its own default.
	TemperatureUnset float32 = -1

	// MaxTemperature is the upper bound accepted by Settings.Validate.
	MaxTemperature float32 = 1

	// DefaultTemperature matches the temperature used for conversational chains.
	DefaultTemperature float32 = 0.8
)

// Settings are the generation parameters sent with every model call.
type Settings struct {
	Model       string  // Model identifier; empty uses the provider default
	Temperature float32 // 0..MaxTemperature, or TemperatureUnset
	MaxTokens   int     // Maximum output tokens; 0 uses the provider default
}

// DefaultSettings returns settings with every field left to the provider.
func DefaultSettings() Settings {
	return Settings{Temperature: TemperatureUnset}
}

// Validate checks that the settings are within bounds.
func (s Settings) Validate() error {
	if math.IsNaN(float64(s.Temperature)) {
		return fmt.Errorf("%w: temperature must be a number", ErrInvalidSettings)
	}
	if s.Temperature != TemperatureUnset && (s.Temperature < 0 || s.Temperature > MaxTemperature) {
		return fmt.Errorf("%w: temperature must be between 0 and %.1f, got %f", ErrInvalidSettings, MaxTemperature, s.Temperature)
	}
	if s.MaxTokens < 0 {
		return fmt.Errorf("%w: max tokens must be non-negative, got %d", ErrInvalidSettings, s.MaxTokens)
	}
	return nil
}

// HasTemperature reports whether a temperature was explicitly set.
func (s Settings) HasTemperature() bool {
	return s.Temperature != TemperatureUnset
}

// Merge returns s with every set field of override applied on top.
// Build overrides from DefaultSettings so an unset temperature is not read as zero.
func (s Settings) Merge(override Settings) Settings {
	merged := s
	if override.Model != "" {
		merged.Model = override.Model
	}
	if override.HasTemperature() {
		merged.Temperature = override.Temperature
	}
	if override.MaxTokens != 0 {
		merged.MaxTokens = override.MaxTokens
	}
	return merged
}
