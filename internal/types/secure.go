package types

import "log/slog"

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a sensitive configuration value, such as the ledger
// DSN with embedded credentials. Every rendering path a value can leak
// through — fmt verbs, JSON marshaling, slog attributes — yields a fixed
// placeholder instead of the plaintext; only an explicit Unmask call exposes
// it, at the single point that genuinely needs it (opening the pool).
type SecretString string

func (s SecretString) String() string {
	return redactedPlaceholder
}

func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue keeps the secret out of structured log output even when the value
// is passed to slog directly rather than through a fmt verb.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// Unmask returns the raw plaintext value.
func (s SecretString) Unmask() string {
	return string(s)
}
