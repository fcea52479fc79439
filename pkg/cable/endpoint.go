package cable

import (
	"errors"
	"fmt"
	"net/url"
)

// Endpoint builds the cable URL. The host comes from baseURL when set, else
// pageURL. The scheme follows pageURL (or baseURL when there is no page):
// https maps to wss and anything else to ws.
func Endpoint(baseURL, pageURL, token, tenantID string) (string, error) {
	hostSrc := baseURL
	if hostSrc == "" {
		hostSrc = pageURL
	}
	if hostSrc == "" {
		return "", errors.New("no API base URL or page URL configured")
	}
	h, err := url.Parse(hostSrc)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", hostSrc, err)
	}
	if h.Host == "" {
		return "", fmt.Errorf("url %q has no host", hostSrc)
	}

	schemeSrc := h
	if pageURL != "" && pageURL != hostSrc {
		p, err := url.Parse(pageURL)
		if err != nil {
			return "", fmt.Errorf("parse %q: %w", pageURL, err)
		}
		schemeSrc = p
	}
	scheme := "ws"
	if schemeSrc.Scheme == "https" || schemeSrc.Scheme == "wss" {
		scheme = "wss"
	}

	q := url.Values{}
	q.Set("token", token)
	q.Set("restaurant_id", tenantID)
	u := url.URL{Scheme: scheme, Host: h.Host, Path: "/cable", RawQuery: q.Encode()}
	return u.String(), nil
}
