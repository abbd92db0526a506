package federation

import (
	"context"

	"github.com/google/uuid"
	"github.com/kitsune-fed/kitsune/domain"
)

// InboxResolver computes the deduplicated set of target inboxes for a post
// or an actor update (§4.6).
type InboxResolver struct {
	accounts AccountRepo
	follows  FollowRepo
	posts    PostRepo
}

func NewInboxResolver(accounts AccountRepo, follows FollowRepo, posts PostRepo) *InboxResolver {
	return &InboxResolver{accounts: accounts, follows: follows, posts: posts}
}

// Resolve computes the recipient set for post per its visibility (§4.6):
//   - Public/Unlisted: followers + mentioned accounts
//   - FollowerOnly: followers + mentioned accounts
//   - MentionOnly: only mentioned accounts
//   - Reply: additionally the author of the replied-to post
//
// Each account contributes its shared inbox when present, else its
// personal inbox; the result is deduplicated by URL (property 7).
func (r *InboxResolver) Resolve(ctx context.Context, post domain.Post, mentions []domain.Mention) ([]string, error) {
	seen := make(map[string]struct{})
	var inboxes []string

	add := func(acc *domain.Account) {
		if acc == nil {
			return
		}
		inbox := acc.Inbox()
		if inbox == "" {
			return
		}
		if _, ok := seen[inbox]; ok {
			return
		}
		seen[inbox] = struct{}{}
		inboxes = append(inboxes, inbox)
	}

	if post.Visibility != domain.VisibilityMentionOnly {
		followers, err := r.follows.Followers(ctx, post.AccountId)
		if err != nil {
			return nil, NewStorage("loading followers", err)
		}
		for i := range followers {
			add(&followers[i])
		}
	}

	for _, m := range mentions {
		acc, err := r.accounts.FindById(ctx, m.AccountId)
		if err != nil {
			return nil, NewStorage("loading mentioned account", err)
		}
		add(acc)
	}

	if post.InReplyToId != nil {
		parent, err := r.posts.FindById(ctx, *post.InReplyToId)
		if err != nil {
			return nil, NewStorage("loading reply parent", err)
		}
		if parent != nil {
			author, err := r.accounts.FindById(ctx, parent.AccountId)
			if err != nil {
				return nil, NewStorage("loading reply parent author", err)
			}
			add(author)
		}
	}

	return inboxes, nil
}

// ResolveFollowers is the specialization used for actor updates (§4.6).
func (r *InboxResolver) ResolveFollowers(ctx context.Context, accountId uuid.UUID) ([]string, error) {
	followers, err := r.follows.Followers(ctx, accountId)
	if err != nil {
		return nil, NewStorage("loading followers", err)
	}

	seen := make(map[string]struct{})
	var inboxes []string
	for i := range followers {
		inbox := followers[i].Inbox()
		if inbox == "" {
			continue
		}
		if _, ok := seen[inbox]; ok {
			continue
		}
		seen[inbox] = struct{}{}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, nil
}
