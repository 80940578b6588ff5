// Package simple decides which visited URLs are worth fetching.
package simple

import (
	"net/url"
	"strings"
)

// Policy admits http and https URLs whose host is not blocked.
type Policy struct {
	exact    map[string]struct{}
	suffixes []string
}

// New creates a Policy from host patterns. "example.org" blocks that host only,
// while "*.example.org" or ".example.org" also block its subdomains.
func New(blocked []string) *Policy {
	p := &Policy{exact: make(map[string]struct{})}
	for _, raw := range blocked {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			p.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			p.addSuffix(strings.TrimPrefix(value, "."))
		default:
			p.exact[value] = struct{}{}
		}
	}
	return p
}

func (p *Policy) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// AllowFetch reports whether rawURL may be fetched.
func (p *Policy) AllowFetch(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return !p.IsBlocked(u.Hostname())
}

// IsBlocked reports whether host matches a blocked pattern.
func (p *Policy) IsBlocked(host string) bool {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return true
	}
	if _, ok := p.exact[host]; ok {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
