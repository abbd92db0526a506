// Package web builds the canonical URLs a local account's AS2 surface is
// addressed by, and provides the rate-limit and body-cap gin middleware
// that cmd/kitsuned mounts on the inbox endpoint, adapted from the
// teacher's web/actor.go getIRI helper and web/router.go middleware use.
package web

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kitsune-fed/kitsune/config"
	"github.com/kitsune-fed/kitsune/federation"
)

// URLBuilder implements federation.UrlBuilder against a single configured
// instance domain, the same one-domain-per-instance assumption the teacher's
// getIRI makes with conf.Conf.SslDomain.
type URLBuilder struct {
	domain string
}

func NewURLBuilder(conf *config.AppConfig) *URLBuilder {
	return &URLBuilder{domain: conf.Conf.SslDomain}
}

var _ federation.UrlBuilder = (*URLBuilder)(nil)

func (b *URLBuilder) actorPrefix(username string) string {
	return fmt.Sprintf("https://%s/users/%s", b.domain, username)
}

func (b *URLBuilder) ActorURL(username string) string { return b.actorPrefix(username) }

func (b *URLBuilder) InboxURL(username string) string {
	return b.actorPrefix(username) + "/inbox"
}

func (b *URLBuilder) SharedInboxURL() string {
	return fmt.Sprintf("https://%s/inbox", b.domain)
}

func (b *URLBuilder) OutboxURL(username string) string {
	return b.actorPrefix(username) + "/outbox"
}

func (b *URLBuilder) FollowersURL(username string) string {
	return b.actorPrefix(username) + "/followers"
}

func (b *URLBuilder) FollowingURL(username string) string {
	return b.actorPrefix(username) + "/following"
}

func (b *URLBuilder) PostURL(postId uuid.UUID) string {
	return fmt.Sprintf("https://%s/notes/%s", b.domain, postId.String())
}

func (b *URLBuilder) FollowURL(followId uuid.UUID) string {
	return fmt.Sprintf("https://%s/follows/%s", b.domain, followId.String())
}

func (b *URLBuilder) FavouriteURL(favouriteId uuid.UUID) string {
	return fmt.Sprintf("https://%s/favourites/%s", b.domain, favouriteId.String())
}
