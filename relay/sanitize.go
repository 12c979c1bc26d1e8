package relay

import (
	"strings"
	"unicode"
)

const maxErrorCodeLength = 256

// sanitizeErrorCode converts an error into a value safe to persist on the
// record's error_code column: control characters stripped, length bounded.
// The stored code is the durable audit trail for operational follow-up, so
// it must never truncate mid-rune or carry injection vectors.
func sanitizeErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var builder strings.Builder

	for _, r := range err.Error() {
		if unicode.IsControl(r) {
			builder.WriteRune(' ')

			continue
		}

		builder.WriteRune(r)
	}

	// Bound in runes so truncation never splits a multibyte character.
	runes := []rune(builder.String())
	if len(runes) > maxErrorCodeLength {
		runes = runes[:maxErrorCodeLength]
	}

	return string(runes)
}
