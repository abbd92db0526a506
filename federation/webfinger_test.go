package federation

import (
	"context"
	"net/http"
	"testing"

	"github.com/kitsune-fed/kitsune/config"
)

func newTestWebfingerResolver(doer *fakeHTTPDoer, filter *Filter) *WebfingerResolver {
	client := NewClientWithDeps(doer, 0)
	return NewWebfingerResolver(client, filter, newFakeCache[string, AccountResource]())
}

func TestWebfingerResolverResolveAccountFindsSelfLink(t *testing.T) {
	url := "https://remote.example/.well-known/webfinger?resource=acct:alice@remote.example"
	jrd := `{"subject":"acct:alice@remote.example","links":[
		{"rel":"self","type":"application/activity+json","href":"https://remote.example/users/alice"},
		{"rel":"http://webfinger.net/rel/profile-page","href":"https://remote.example/@alice"}
	]}`
	doer := &fakeHTTPDoer{responses: map[string]fakeResponse{url: {status: http.StatusOK, body: jrd}}}
	resolver := newTestWebfingerResolver(doer, nil)

	resource, err := resolver.ResolveAccount(context.Background(), "alice", "remote.example")
	if err != nil {
		t.Fatalf("ResolveAccount failed: %v", err)
	}
	if resource.URI != "https://remote.example/users/alice" {
		t.Errorf("expected the rel=self activity+json link, got %q", resource.URI)
	}
}

func TestWebfingerResolverResolveAccountCachesResult(t *testing.T) {
	url := "https://remote.example/.well-known/webfinger?resource=acct:alice@remote.example"
	jrd := `{"subject":"acct:alice@remote.example","links":[{"rel":"self","type":"application/activity+json","href":"https://remote.example/users/alice"}]}`
	doer := &fakeHTTPDoer{responses: map[string]fakeResponse{url: {status: http.StatusOK, body: jrd}}}
	resolver := newTestWebfingerResolver(doer, nil)

	if _, err := resolver.ResolveAccount(context.Background(), "alice", "remote.example"); err != nil {
		t.Fatalf("first ResolveAccount failed: %v", err)
	}
	delete(doer.responses, url)

	resource, err := resolver.ResolveAccount(context.Background(), "alice", "remote.example")
	if err != nil {
		t.Fatalf("expected the cached result to serve the second call, got error: %v", err)
	}
	if resource.URI != "https://remote.example/users/alice" {
		t.Errorf("expected the cached uri, got %q", resource.URI)
	}
}

func TestWebfingerResolverResolveAccountMissingResourceIs404(t *testing.T) {
	url := "https://remote.example/.well-known/webfinger?resource=acct:ghost@remote.example"
	doer := &fakeHTTPDoer{responses: map[string]fakeResponse{url: {status: http.StatusNotFound, body: ""}}}
	resolver := newTestWebfingerResolver(doer, nil)

	_, err := resolver.ResolveAccount(context.Background(), "ghost", "remote.example")
	if kind, ok := KindOf(err); !ok || kind != KindNotFound {
		t.Errorf("expected KindNotFound, got %v (err=%v)", kind, err)
	}
}

func TestWebfingerResolverResolveAccountRejectsBlockedDomain(t *testing.T) {
	filter := NewFilter(config.PolicyDeny, []string{"blocked.example"})
	doer := &fakeHTTPDoer{responses: map[string]fakeResponse{}}
	resolver := newTestWebfingerResolver(doer, filter)

	_, err := resolver.ResolveAccount(context.Background(), "alice", "blocked.example")
	if kind, ok := KindOf(err); !ok || kind != KindUnauthorised {
		t.Errorf("expected KindUnauthorised for a filter-blocked domain, got %v (err=%v)", kind, err)
	}
	if len(doer.responses) != 0 {
		t.Error("responses map untouched sanity check failed")
	}
}

func TestWebfingerResolverResolveAccountNoSelfLinkIs404(t *testing.T) {
	url := "https://remote.example/.well-known/webfinger?resource=acct:alice@remote.example"
	jrd := `{"subject":"acct:alice@remote.example","links":[{"rel":"http://webfinger.net/rel/profile-page","href":"https://remote.example/@alice"}]}`
	doer := &fakeHTTPDoer{responses: map[string]fakeResponse{url: {status: http.StatusOK, body: jrd}}}
	resolver := newTestWebfingerResolver(doer, nil)

	_, err := resolver.ResolveAccount(context.Background(), "alice", "remote.example")
	if kind, ok := KindOf(err); !ok || kind != KindNotFound {
		t.Errorf("expected KindNotFound when no rel=self AP link is present, got %v", kind)
	}
}

func TestCrossCheckWebfingerFallsBackWhenResolverReturnsNothing(t *testing.T) {
	resolver := &fakeResolver{}
	actorID := "https://remote.example/users/alice"

	result, err := CrossCheckWebfinger(context.Background(), resolver, actorID, "alice", "remote.example")
	if err != nil {
		t.Fatalf("CrossCheckWebfinger failed: %v", err)
	}
	if result.URI != actorID {
		t.Errorf("expected the fallback resource to carry the actor id when the resolver returns nothing, got %q", result.URI)
	}
}

type mismatchedResolver struct {
	resource AccountResource
}

func (r *mismatchedResolver) ResolveAccount(ctx context.Context, username, domain string) (*AccountResource, error) {
	return &r.resource, nil
}

func TestCrossCheckWebfingerFallsBackOnMismatch(t *testing.T) {
	actorID := "https://remote.example/users/alice"
	resolver := &mismatchedResolver{resource: AccountResource{URI: "https://evil.example/users/mallory", Username: "alice", Domain: "remote.example"}}

	result, err := CrossCheckWebfinger(context.Background(), resolver, actorID, "alice", "remote.example")
	if err != nil {
		t.Fatalf("CrossCheckWebfinger failed: %v", err)
	}
	if result.URI != actorID {
		t.Errorf("expected a hostile WebFinger mismatch to fall back to the actor's own @id, got %q", result.URI)
	}
}

func TestCrossCheckWebfingerAcceptsMatchingSelfResolution(t *testing.T) {
	actorID := "https://remote.example/users/alice"
	resolver := &mismatchedResolver{resource: AccountResource{URI: actorID, Username: "alice", Domain: "remote.example"}}

	result, err := CrossCheckWebfinger(context.Background(), resolver, actorID, "alice", "remote.example")
	if err != nil {
		t.Fatalf("CrossCheckWebfinger failed: %v", err)
	}
	if result.URI != actorID {
		t.Errorf("expected the matching self-resolution to be trusted, got %q", result.URI)
	}
}
