package types

import "log/slog"

const redactedPlaceholder = "[REDACTED]"

// SecretString holds credentials (API keys, webhook signing secrets, DSNs)
// and renders as a placeholder in fmt, JSON and slog output.
// Call Unmask to obtain the plaintext.
type SecretString string

func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON never emits the raw value.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// LogValue keeps secrets out of structured logs.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// IsEmpty reports whether no value was configured.
func (s SecretString) IsEmpty() bool {
	return s == ""
}

// Unmask returns the plaintext value. Only pass the result directly to the
// component that needs it (HTTP auth header, signature check, DB driver).
func (s SecretString) Unmask() string {
	return string(s)
}
