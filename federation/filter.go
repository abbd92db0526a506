package federation

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/kitsune-fed/kitsune/config"
)

// Filter implements the Federation Filter (§4.4): an allow-list or
// deny-list of glob-style host patterns applied to every outbound URL.
type Filter struct {
	policy   config.FederationPolicy
	patterns []string
}

func NewFilter(policy config.FederationPolicy, domains []string) *Filter {
	patterns := make([]string, len(domains))
	for i, d := range domains {
		patterns[i] = strings.ToLower(d)
	}
	return &Filter{policy: policy, patterns: patterns}
}

// IsURLAllowed checks u's host against the pattern list (property 4).
func (f *Filter) IsURLAllowed(rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err
	}
	if u.Host == "" {
		return false, NewMissingHost("url has no authority", nil)
	}
	return f.IsHostAllowed(u.Hostname()), nil
}

// IsHostAllowed applies the Allow/Deny policy directly to a hostname.
func (f *Filter) IsHostAllowed(host string) bool {
	host = strings.ToLower(host)
	matched := f.matchesAny(host)

	switch f.policy {
	case config.PolicyAllow:
		return matched
	case config.PolicyDeny:
		return !matched
	default:
		return false
	}
}

func (f *Filter) matchesAny(host string) bool {
	for _, pattern := range f.patterns {
		if ok, _ := filepath.Match(pattern, host); ok {
			return true
		}
	}
	return false
}
