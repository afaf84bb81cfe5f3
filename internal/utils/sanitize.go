package utils

import (
	"net/url"
	"strings"
)

// SanitizeConnectionString removes credentials from connection strings for
// safe logging. Handles the URL schemes the journal and bus factories accept
// (redis, rediss, mongodb, mongodb+srv) and falls back to redacting anything
// that looks like a password.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	for _, scheme := range []string{"redis://", "rediss://", "mongodb://", "mongodb+srv://"} {
		if !strings.HasPrefix(connStr, scheme) {
			continue
		}
		parsedURL, err := url.Parse(connStr)
		if err != nil {
			return scheme + "*****"
		}
		if parsedURL.User != nil {
			parsedURL.User = url.UserPassword(parsedURL.User.Username(), "*****")
		}
		return parsedURL.String()
	}

	// Unknown format: redact anything between : and @.
	if idx := strings.LastIndex(connStr, "@"); idx != -1 {
		userPart := connStr[:idx]
		if colonIdx := strings.LastIndex(userPart, ":"); colonIdx != -1 {
			return userPart[:colonIdx+1] + "*****@" + connStr[idx+1:]
		}
	}

	return connStr
}
