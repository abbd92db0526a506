package federation

import (
	"context"
	"fmt"
	"time"
)

// JRDLink is a single link entry in a WebFinger JRD document.
type JRDLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// JRD is the JSON Resource Descriptor WebFinger returns (§4.3, §6, §12).
type JRD struct {
	Subject string    `json:"subject"`
	Links   []JRDLink `json:"links"`
}

const webfingerCacheTTL = time.Hour

// WebfingerResolver implements Resolver by querying
// /.well-known/webfinger on the target domain and caching positive
// results (§4.3).
type WebfingerResolver struct {
	client *Client
	filter *Filter
	cache  Cache[string, AccountResource]
}

func NewWebfingerResolver(client *Client, filter *Filter, cache Cache[string, AccountResource]) *WebfingerResolver {
	return &WebfingerResolver{client: client, filter: filter, cache: cache}
}

// ResolveAccount implements Resolver (§4.3): GET
// https://{domain}/.well-known/webfinger?resource=acct:{username}@{domain},
// selecting the rel=self, type=application/activity+json link.
func (r *WebfingerResolver) ResolveAccount(ctx context.Context, username, domain string) (*AccountResource, error) {
	key := acctKey(username, domain)

	if cached, ok := r.cache.Get(key); ok {
		return &cached, nil
	}

	if r.filter != nil && !r.filter.IsHostAllowed(domain) {
		return nil, NewUnauthorised("domain blocked by federation filter: "+domain, nil)
	}

	resourceURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s@%s", domain, username, domain)

	resp, err := r.client.Get(ctx, resourceURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil, NewNotFound("webfinger resource not found", nil)
	}
	if resp.StatusCode >= 500 {
		return nil, NewTransient("webfinger server error", nil)
	}
	if resp.StatusCode >= 400 {
		return nil, NewBadRequest("webfinger request rejected", nil)
	}

	var jrd JRD
	if err := r.client.JSON(resp, &jrd); err != nil {
		return nil, err
	}

	for _, link := range jrd.Links {
		if link.Rel == "self" && link.Type == contentTypeHeader && link.Href != "" {
			result := AccountResource{URI: link.Href, Username: username, Domain: domain}
			r.cache.Set(key, result, webfingerCacheTTL)
			return &result, nil
		}
	}

	return nil, NewNotFound("no rel=self AP link in webfinger response", nil)
}

func acctKey(username, domain string) string {
	return "acct:" + username + "@" + domain
}

// CrossCheckWebfinger implements §4.3's hostile-WebFinger defense: after
// loading the actor, the Fetcher re-resolves the actor's own
// preferredUsername@actor-host, and only trusts the original WebFinger
// subject's uri if it matches the actor's @id; otherwise it falls back to
// preferredUsername@actor-host.
func CrossCheckWebfinger(ctx context.Context, resolver Resolver, actorID string, preferredUsername string, actorHost string) (*AccountResource, error) {
	selfResolved, err := resolver.ResolveAccount(ctx, preferredUsername, actorHost)
	if err != nil {
		// WebFinger mismatches/failures degrade to the fallback, not an error (§7).
		return &AccountResource{URI: actorID, Username: preferredUsername, Domain: actorHost}, nil
	}
	if selfResolved != nil && selfResolved.URI == actorID {
		return selfResolved, nil
	}
	return &AccountResource{URI: actorID, Username: preferredUsername, Domain: actorHost}, nil
}
