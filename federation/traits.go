package federation

import (
	"context"

	"github.com/kitsune-fed/kitsune/domain"
)

// AccountResource is a resolved WebFinger identity (§4.3, §9).
type AccountResource struct {
	URI      string
	Username string
	Domain   string
}

// Resolver maps a username/domain pair to its canonical actor identity.
type Resolver interface {
	ResolveAccount(ctx context.Context, username, domain string) (*AccountResource, error)
}

// AcctHint is a prefetched WebFinger acct:username@domain the Fetcher
// already has in hand, e.g. from a mention tag (§4.5, §9).
type AcctHint struct {
	Username string
	Domain   string
}

// FetchOptions configures a single fetch_account call (§4.5, §9).
type FetchOptions struct {
	Acct    *AcctHint
	Refetch bool
	URL     string
}

// AccountFetchOptionsFromURL builds the common case: no WebFinger hint, no
// forced refetch.
func AccountFetchOptionsFromURL(url string) FetchOptions {
	return FetchOptions{URL: url}
}

// Fetcher is the small capability set §9 specifies so callers can compose
// several fetchers (e.g. ActivityPub plus a second protocol); a
// FetcherChain tries each in order and returns on the first non-nil result.
type Fetcher interface {
	Resolver() Resolver
	FetchAccount(ctx context.Context, opts FetchOptions) (*domain.Account, error)
	FetchEmoji(ctx context.Context, url string) (*domain.CustomEmoji, error)
	FetchPost(ctx context.Context, url string) (*domain.Post, error)
}

// FetcherChain composes multiple Fetchers; each fetch_X call tries every
// element in order and returns on the first non-nil result (§9).
type FetcherChain []Fetcher

func (c FetcherChain) Resolver() Resolver {
	resolvers := make([]Resolver, 0, len(c))
	for _, f := range c {
		resolvers = append(resolvers, f.Resolver())
	}
	return resolverChain(resolvers)
}

func (c FetcherChain) FetchAccount(ctx context.Context, opts FetchOptions) (*domain.Account, error) {
	for _, f := range c {
		acc, err := f.FetchAccount(ctx, opts)
		if err != nil {
			return nil, err
		}
		if acc != nil {
			return acc, nil
		}
	}
	return nil, nil
}

func (c FetcherChain) FetchEmoji(ctx context.Context, url string) (*domain.CustomEmoji, error) {
	for _, f := range c {
		emoji, err := f.FetchEmoji(ctx, url)
		if err != nil {
			return nil, err
		}
		if emoji != nil {
			return emoji, nil
		}
	}
	return nil, nil
}

func (c FetcherChain) FetchPost(ctx context.Context, url string) (*domain.Post, error) {
	for _, f := range c {
		post, err := f.FetchPost(ctx, url)
		if err != nil {
			return nil, err
		}
		if post != nil {
			return post, nil
		}
	}
	return nil, nil
}

type resolverChain []Resolver

func (rs resolverChain) ResolveAccount(ctx context.Context, username, domain string) (*AccountResource, error) {
	for _, r := range rs {
		res, err := r.ResolveAccount(ctx, username, domain)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

// ActionKind is the closed set of side-effects the Deliverer can translate
// into an AS2 activity (§4.7, §9).
type ActionKind string

const (
	ActionAcceptFollow  ActionKind = "accept_follow"
	ActionRejectFollow  ActionKind = "reject_follow"
	ActionFollow        ActionKind = "follow"
	ActionUnfollow      ActionKind = "unfollow"
	ActionFavourite     ActionKind = "favourite"
	ActionUnfavourite   ActionKind = "unfavourite"
	ActionCreate        ActionKind = "create"
	ActionRepost        ActionKind = "repost"
	ActionDelete        ActionKind = "delete"
	ActionUnrepost      ActionKind = "unrepost"
	ActionUpdateAccount ActionKind = "update_account"
	ActionUpdatePost    ActionKind = "update_post"
)

// Action is a tagged sum: Kind selects which of the payload fields is
// populated. Modeled this way rather than as interface-based polymorphism
// because the set of variants is closed and exhaustiveness at the dispatch
// site (deliverer.go's switch) is desirable (§9).
type Action struct {
	Kind    ActionKind
	Post    *domain.Post
	Follow  *domain.Follow
	Favourite *domain.Favourite
	Account *domain.Account
}

func NewCreateAction(p domain.Post) Action     { return Action{Kind: ActionCreate, Post: &p} }
func NewDeleteAction(p domain.Post) Action     { return Action{Kind: ActionDelete, Post: &p} }
func NewRepostAction(p domain.Post) Action     { return Action{Kind: ActionRepost, Post: &p} }
func NewUnrepostAction(p domain.Post) Action   { return Action{Kind: ActionUnrepost, Post: &p} }
func NewUpdatePostAction(p domain.Post) Action { return Action{Kind: ActionUpdatePost, Post: &p} }

func NewFollowAction(f domain.Follow) Action       { return Action{Kind: ActionFollow, Follow: &f} }
func NewUnfollowAction(f domain.Follow) Action     { return Action{Kind: ActionUnfollow, Follow: &f} }
func NewAcceptFollowAction(f domain.Follow) Action { return Action{Kind: ActionAcceptFollow, Follow: &f} }
func NewRejectFollowAction(f domain.Follow) Action { return Action{Kind: ActionRejectFollow, Follow: &f} }

func NewFavouriteAction(fav domain.Favourite) Action {
	return Action{Kind: ActionFavourite, Favourite: &fav}
}
func NewUnfavouriteAction(fav domain.Favourite) Action {
	return Action{Kind: ActionUnfavourite, Favourite: &fav}
}

func NewUpdateAccountAction(a domain.Account) Action {
	return Action{Kind: ActionUpdateAccount, Account: &a}
}

// Deliverer turns an Action into the correct AS2 activity and posts it to
// every resolved target inbox (§4.7).
type Deliverer interface {
	Deliver(ctx context.Context, action Action) error
}
