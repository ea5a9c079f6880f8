package logger

import (
	"strconv"
	"strings"
)

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactToken keeps a short prefix of a token for correlation and masks the rest.
// "eyJhbGciOiJIUzI1NiJ9" → "eyJh…[20]"
func RedactToken(tok string) string {
	if tok == "" {
		return ""
	}
	n := len(tok)
	if n <= 8 {
		return "…[" + strconv.Itoa(n) + "]"
	}
	return tok[:4] + "…[" + strconv.Itoa(n) + "]"
}
