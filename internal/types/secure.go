package types

import "log/slog"

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"` + redactedPlaceholder + `"`)

// SecretString holds credentials loaded from configuration (JWT signing
// secret, Stripe keys, database URL). It never prints or serializes its raw
// value; call Unmask at the point where the plaintext is handed to a client
// library.
type SecretString string

// String returns a redacted placeholder so fmt verbs cannot leak the value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON renders the placeholder in config dumps and API output.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue keeps the value out of slog records.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// IsZero reports whether no secret was configured.
func (s SecretString) IsZero() bool {
	return s == ""
}

// Unmask returns the plaintext.
func (s SecretString) Unmask() string {
	return string(s)
}
