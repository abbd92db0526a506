package domain

import (
	"time"

	"github.com/google/uuid"
)

// Visibility controls who a Post's Inbox Resolver recipient set includes.
type Visibility string

const (
	VisibilityPublic       Visibility = "public"
	VisibilityUnlisted     Visibility = "unlisted"
	VisibilityFollowerOnly Visibility = "follower_only"
	VisibilityMentionOnly  Visibility = "mention_only"
)

// Post is a local or remote AS2 Note/Article. If RepostedPostId is set, the
// post is an Announce and Content must be empty; reposts are not themselves
// repostable. Reply chains are bounded by the Fetcher's depth cap, not by a
// visited-set; ids are random version-4 UUIDs and carry no time order.
type Post struct {
	Id              uuid.UUID
	AccountId       uuid.UUID
	InReplyToId     *uuid.UUID
	RepostedPostId  *uuid.UUID
	IsSensitive     bool
	Subject         string
	Content         string
	ContentSource   string
	ContentLang     string
	LinkPreviewURL  string
	Visibility      Visibility
	IsLocal         bool
	URL             string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewPost is the upsert payload used by both the local post-creation path
// and the Fetcher's remote-post ingestion path.
type NewPost struct {
	AccountId      uuid.UUID
	InReplyToId    *uuid.UUID
	RepostedPostId *uuid.UUID
	IsSensitive    bool
	Subject        string
	Content        string
	ContentSource  string
	ContentLang    string
	LinkPreviewURL string
	Visibility     Visibility
	IsLocal        bool
	URL            string
}

// Mention is a @user@domain reference inside a Post, unique per (post_id,
// account_id).
type Mention struct {
	PostId      uuid.UUID
	AccountId   uuid.UUID
	MentionText string
}

// Favourite is a Like on a Post, unique per (account_id, post_id).
type Favourite struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	PostId    uuid.UUID
	URL       string
	CreatedAt time.Time
}

// MediaAttachment is owned by a Post or an Account (avatar/header); exactly
// one of FilePath or RemoteURL is set.
type MediaAttachment struct {
	Id          uuid.UUID
	AccountId   *uuid.UUID
	ContentType string
	Description string
	Blurhash    string
	FilePath    string
	RemoteURL   string
}

// CustomEmoji is a :shortcode: usable in post content or display names.
// Domain == "" means the emoji is local.
type CustomEmoji struct {
	Id                uuid.UUID
	Shortcode         string
	Domain            string
	RemoteId          string
	MediaAttachmentId uuid.UUID
	Endorsed          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
