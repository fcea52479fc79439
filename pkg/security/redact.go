package security

import (
	"net/url"
	"slices"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveParams are query parameters that carry credentials.
var sensitiveParams = []string{"token", "access_token", "api_key"}

// RedactURL returns raw with credential query parameters and userinfo
// replaced. Unparseable input is redacted entirely.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	if u.RawQuery != "" {
		parts := strings.Split(u.RawQuery, "&")
		for i, part := range parts {
			key, _, _ := strings.Cut(part, "=")
			if k, err := url.QueryUnescape(key); err == nil && slices.Contains(sensitiveParams, k) {
				parts[i] = key + "=" + redacted
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	}
	return u.String()
}

// RedactToken keeps the first four characters of a token for correlation.
func RedactToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 8 {
		return redacted
	}
	return token[:4] + "..." + redacted
}
