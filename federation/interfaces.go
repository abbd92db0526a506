package federation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kitsune-fed/kitsune/domain"
)

// AccountRepo is the account-facing repository interface the core consumes
// (§6). Implemented by store.AccountStore.
type AccountRepo interface {
	FindByURL(ctx context.Context, url string) (*domain.Account, error)
	FindById(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	UpsertByURL(ctx context.Context, acc domain.NewAccount) (*domain.Account, error)
	UpdateMedia(ctx context.Context, accountId uuid.UUID, avatarId, headerId *uuid.UUID) error
	InsertMedia(ctx context.Context, attachments []domain.MediaAttachment) error
}

// PostRepo is the post-facing repository interface the core consumes (§6).
type PostRepo interface {
	FindByURL(ctx context.Context, url string) (*domain.Post, error)
	FindById(ctx context.Context, id uuid.UUID) (*domain.Post, error)
	UpsertByURL(ctx context.Context, post domain.NewPost) (*domain.Post, error)
	UpdateByURL(ctx context.Context, url string, subject, content string, updatedAt time.Time) error
	InsertAttachments(ctx context.Context, postId uuid.UUID, attachments []domain.MediaAttachment) error
	InsertMentions(ctx context.Context, mentions []domain.Mention) error
	FindMentions(ctx context.Context, postId uuid.UUID) ([]domain.Mention, error)
	InsertEmojis(ctx context.Context, emojis []domain.CustomEmoji) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// FollowRepo is the follow-facing repository interface the core consumes (§6).
type FollowRepo interface {
	Insert(ctx context.Context, f domain.Follow) (*domain.Follow, error)
	Approve(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	Find(ctx context.Context, accountId, followerId uuid.UUID) (*domain.Follow, error)
	FindByURL(ctx context.Context, url string) (*domain.Follow, error)
	Followers(ctx context.Context, accountId uuid.UUID) ([]domain.Account, error)
}

// FavouriteRepo backs the Favourite side-effect of Like/Undo{Like} (§4.8).
type FavouriteRepo interface {
	Insert(ctx context.Context, accountId, postId uuid.UUID, url string) (*domain.Favourite, error)
	Delete(ctx context.Context, accountId, postId uuid.UUID) error
	Find(ctx context.Context, accountId, postId uuid.UUID) (*domain.Favourite, error)
}

// KeyStore resolves a local account's private key for outbound signing (§6).
type KeyStore interface {
	PrivateKeyFor(ctx context.Context, accountId uuid.UUID) (string, error)
}

// Cache is the generic get/set/delete interface used for accounts, posts,
// webfinger lookups and signer keys (§6). Writes are last-writer-wins (§5).
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
}

// SearchIndex receives idempotent, asynchronous, post-commit effects (§5, §6).
type SearchIndex interface {
	Add(ctx context.Context, post domain.Post) error
	Update(ctx context.Context, post domain.Post) error
	Remove(ctx context.Context, postId uuid.UUID) error
	AddAccount(ctx context.Context, account domain.Account) error
}

// JobDetails is the envelope the JobQueue transports (§4.9). Payload travels
// with it and is stored inline in the job row; there is no separate context
// repository keyed by Id.
type JobDetails struct {
	Id        uuid.UUID
	Payload   []byte
	RunAt     *time.Time
	FailCount int
}

// JobQueue persists delivery intents and drives retries with backoff (§4.9).
type JobQueue interface {
	Enqueue(ctx context.Context, details JobDetails) error
}

// UrlBuilder builds canonical URLs for a local account's AS2 surface (§6).
type UrlBuilder interface {
	ActorURL(username string) string
	InboxURL(username string) string
	SharedInboxURL() string
	OutboxURL(username string) string
	FollowersURL(username string) string
	FollowingURL(username string) string
	PostURL(postId uuid.UUID) string
	FollowURL(followId uuid.UUID) string
	FavouriteURL(favouriteId uuid.UUID) string
}
