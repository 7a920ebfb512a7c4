package types

// SecretString wraps sensitive configuration values (API secrets, signing
// keys) so they cannot leak through logging or JSON encoding. Access the
// real value explicitly via Reveal.
type SecretString string

const redacted = "[REDACTED]"

// String implements fmt.Stringer with a redacted value.
func (s SecretString) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// MarshalJSON always emits the redacted placeholder.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Reveal returns the underlying secret value.
func (s SecretString) Reveal() string {
	return string(s)
}
