package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces any value identified as a credential.
const RedactedPlaceholder = "[REDACTED]"

// Credential shapes that may show up inside free-form values such as error
// strings returned by the image API or connection URLs.
var sensitivePatterns = []*regexp.Regexp{
	// OpenAI and Google API keys
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),
	// Authorization headers and bare JWTs
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]+`),
	// userinfo in redis/nats connection URLs
	regexp.MustCompile(`(redis|rediss|nats)://[^:@/\s]*:[^@/\s]+@`),
	regexp.MustCompile(`(?i)(password|secret|token|api_key|apikey)\s*[:=]\s*[^\s,;]{8,}`),
}

// Field names whose values are never logged.
var sensitiveFieldNames = []string{
	"OPENAI_API_KEY",
	"AUTH_JWT_SECRET",
	"S3_SECRET_KEY",
	"S3_ACCESS_KEY",
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"API_KEY",
	"APIKEY",
	"AUTHORIZATION",
}

// RedactSensitiveData replaces every credential-shaped substring of value.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	for _, pattern := range sensitivePatterns {
		value = pattern.ReplaceAllString(value, RedactedPlaceholder)
	}
	return value
}

// IsSensitiveField reports whether a field name denotes a credential.
func IsSensitiveField(fieldName string) bool {
	upper := strings.ToUpper(fieldName)
	for _, name := range sensitiveFieldNames {
		if strings.Contains(upper, name) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether value holds a credential shape.
func ContainsSensitiveData(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}
