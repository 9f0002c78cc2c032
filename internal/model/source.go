package model

import (
	"net/url"
	"strings"
	"time"
)

// CuratorSource tracks provenance of a fetched or cited document. FetchCount
// only increases, once per successful fetch or research use.
type CuratorSource struct {
	ID             string        `json:"id"`
	URL            string        `json:"url"`
	Domain         string        `json:"domain"`
	Title          string        `json:"title,omitempty"`
	AuthorityTier  AuthorityTier `json:"authority_tier"`
	AuthorityScore float64       `json:"authority_score"`
	Categories     []string      `json:"categories,omitempty"`
	FetchCount     int           `json:"fetch_count"`
	CreatedAt      time.Time     `json:"created_at"`
}

// DomainOf extracts the registrable host from a URL string. Returns the
// input unchanged when it does not parse as a URL.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}
