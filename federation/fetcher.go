package federation

import (
	"context"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kitsune-fed/kitsune/domain"
	"github.com/kitsune-fed/kitsune/util"
)

const defaultMaxFetchDepth = 30

// APFetcher is the §4.5 Fetcher: account/post/emoji resolution through the
// cache → DB → network order, with bounded-depth recursive post resolution
// and the WebFinger cross-check hostile-actor defense wired in.
type APFetcher struct {
	client   *Client
	filter   *Filter
	resolver Resolver

	accounts AccountRepo
	posts    PostRepo

	accountCache Cache[string, domain.Account]
	postCache    Cache[string, domain.Post]
	emojiCache   Cache[string, domain.CustomEmoji]

	search   SearchIndex
	maxDepth int
}

func NewAPFetcher(
	client *Client,
	filter *Filter,
	resolver Resolver,
	accounts AccountRepo,
	posts PostRepo,
	accountCache Cache[string, domain.Account],
	postCache Cache[string, domain.Post],
	emojiCache Cache[string, domain.CustomEmoji],
	search SearchIndex,
	maxDepth int,
) *APFetcher {
	if maxDepth <= 0 {
		maxDepth = defaultMaxFetchDepth
	}
	return &APFetcher{
		client:       client,
		filter:       filter,
		resolver:     resolver,
		accounts:     accounts,
		posts:        posts,
		accountCache: accountCache,
		postCache:    postCache,
		emojiCache:   emojiCache,
		search:       search,
		maxDepth:     maxDepth,
	}
}

func (f *APFetcher) Resolver() Resolver { return f.resolver }

// FetchAccount implements §4.5's account resolution order: cache → accounts
// table by URL → network, with the acct: hint cross-checked against
// WebFinger before being trusted.
func (f *APFetcher) FetchAccount(ctx context.Context, opts FetchOptions) (*domain.Account, error) {
	if !opts.Refetch && opts.URL != "" {
		if cached, ok := f.accountCache.Get(opts.URL); ok {
			return &cached, nil
		}
		if stored, err := f.accounts.FindByURL(ctx, opts.URL); err != nil {
			return nil, NewStorage("looking up account by url", err)
		} else if stored != nil {
			f.accountCache.Set(opts.URL, *stored, time.Hour)
			return stored, nil
		}
	}

	if opts.URL == "" && opts.Acct != nil {
		resolved, err := f.resolver.ResolveAccount(ctx, opts.Acct.Username, opts.Acct.Domain)
		if err != nil {
			return nil, err
		}
		if resolved == nil {
			return nil, NewNotFound("webfinger resolution returned no account", nil)
		}
		opts.URL = resolved.URI
	}

	if opts.URL == "" {
		return nil, NewBadRequest("fetch_account requires a url or an acct hint", nil)
	}

	if f.filter != nil {
		if allowed, err := f.filter.IsURLAllowed(opts.URL); err != nil || !allowed {
			return nil, NewUnauthorised("actor url blocked by federation filter", err)
		}
	}

	node, err := f.client.JSONLD(ctx, opts.URL)
	if err != nil {
		return nil, err
	}

	account, err := f.accountFromNode(node)
	if err != nil {
		return nil, err
	}

	actorHost, err := authorityOf(account.URL)
	if err != nil {
		return nil, NewMissingHost("actor has no authority", err)
	}

	if opts.Acct == nil || opts.Acct.Username == "" || opts.Acct.Domain == "" {
		resource, err := CrossCheckWebfinger(ctx, f.resolver, account.URL, account.Username, actorHost)
		if err == nil && resource != nil {
			account.Domain = resource.Domain
		} else {
			account.Domain = actorHost
		}
	} else {
		resource, err := f.resolver.ResolveAccount(ctx, opts.Acct.Username, opts.Acct.Domain)
		if err == nil && resource != nil && resource.URI == account.URL {
			account.Username = resource.Username
			account.Domain = resource.Domain
		} else {
			account.Domain = actorHost
		}
	}

	stored, err := f.accounts.UpsertByURL(ctx, account)
	if err != nil {
		return nil, NewStorage("upserting account", err)
	}

	if err := f.processAvatarAndHeader(ctx, node, stored); err != nil {
		return nil, err
	}

	if f.search != nil {
		_ = f.search.AddAccount(ctx, *stored)
	}

	f.accountCache.Set(stored.URL, *stored, time.Hour)
	return stored, nil
}

// accountFromNode maps a decoded AS2 actor document to the upsert payload
// (§4.5); HTML fields are sanitized via util.NormalizeInput.
func (f *APFetcher) accountFromNode(node map[string]any) (domain.NewAccount, error) {
	id, _ := node["id"].(string)
	if id == "" {
		return domain.NewAccount{}, NewBadRequest("actor document missing id", nil)
	}

	actorType, _ := node["type"].(string)
	if actorType == "" {
		actorType = string(domain.ActorPerson)
	}

	keyID, keyPEM := extractPublicKey(node)
	if keyID == "" || keyPEM == "" {
		return domain.NewAccount{}, NewBadRequest("actor document missing publicKey", nil)
	}

	return domain.NewAccount{
		Username:       asString(node["preferredUsername"]),
		URL:            id,
		InboxURL:       asString(node["inbox"]),
		SharedInboxURL: extractSharedInbox(node),
		OutboxURL:      asString(node["outbox"]),
		FollowersURL:   asString(node["followers"]),
		FollowingURL:   asString(node["following"]),
		PublicKeyId:    keyID,
		PublicKeyPem:   keyPEM,
		ActorType:      domain.ActorType(actorType),
		DisplayName:    util.NormalizeInput(asString(node["name"])),
		Note:           util.NormalizeInput(asString(node["summary"])),
		Locked:         asBool(node["manuallyApprovesFollowers"]),
	}, nil
}

func extractPublicKey(node map[string]any) (string, string) {
	pk, ok := node["publicKey"].(map[string]any)
	if !ok {
		return "", ""
	}
	return asString(pk["id"]), asString(pk["publicKeyPem"])
}

func extractSharedInbox(node map[string]any) string {
	endpoints, ok := node["endpoints"].(map[string]any)
	if !ok {
		return ""
	}
	return asString(endpoints["sharedInbox"])
}

// processAvatarAndHeader ingests the actor's icon/image as MediaAttachments
// and links them to the account (§4.5). InsertMedia and UpdateMedia each
// commit on their own, after the account upsert has committed; they do not
// share a transaction with it.
func (f *APFetcher) processAvatarAndHeader(ctx context.Context, node map[string]any, account *domain.Account) error {
	avatarURL := extractImageURL(node["icon"])
	headerURL := extractImageURL(node["image"])
	if avatarURL == "" && headerURL == "" {
		return nil
	}

	var media []domain.MediaAttachment
	var avatarId, headerId *uuid.UUID
	if avatarURL != "" {
		m := domain.MediaAttachment{Id: uuid.New(), AccountId: &account.Id, RemoteURL: avatarURL, ContentType: guessContentType(avatarURL)}
		media = append(media, m)
		avatarId = &m.Id
	}
	if headerURL != "" {
		m := domain.MediaAttachment{Id: uuid.New(), AccountId: &account.Id, RemoteURL: headerURL, ContentType: guessContentType(headerURL)}
		media = append(media, m)
		headerId = &m.Id
	}

	if err := f.accounts.InsertMedia(ctx, media); err != nil {
		return NewStorage("inserting avatar/header attachments", err)
	}
	if err := f.accounts.UpdateMedia(ctx, account.Id, avatarId, headerId); err != nil {
		return NewStorage("linking avatar/header attachments", err)
	}
	account.AvatarId = avatarId
	account.HeaderId = headerId
	return nil
}

func extractImageURL(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case map[string]any:
		return asString(v["url"])
	}
	return ""
}

// FetchPost implements §4.5's recursive post resolution with a hard depth
// cap; entry point always starts at depth 0.
func (f *APFetcher) FetchPost(ctx context.Context, url string) (*domain.Post, error) {
	return f.fetchPostDepth(ctx, url, 0)
}

func (f *APFetcher) fetchPostDepth(ctx context.Context, url string, depth int) (*domain.Post, error) {
	if depth > f.maxDepth {
		return nil, NewBadRequest("post resolution exceeded max depth", nil)
	}

	if f.filter != nil {
		if allowed, err := f.filter.IsURLAllowed(url); err != nil || !allowed {
			return nil, NewUnauthorised("post url blocked by federation filter", err)
		}
	}

	if cached, ok := f.postCache.Get(url); ok {
		return &cached, nil
	}
	if stored, err := f.posts.FindByURL(ctx, url); err != nil {
		return nil, NewStorage("looking up post by url", err)
	} else if stored != nil {
		f.postCache.Set(url, *stored, time.Hour)
		return stored, nil
	}

	node, err := f.client.JSONLD(ctx, url)
	if err != nil {
		return nil, err
	}

	attributedTo := asString(node["attributedTo"])
	if attributedTo == "" {
		return nil, NewBadRequest("note missing attributedTo", nil)
	}

	objectAuthority, err := authorityOf(url)
	if err != nil {
		return nil, NewMissingHost("post has no authority", err)
	}
	attributedAuthority, err := authorityOf(attributedTo)
	if err != nil {
		return nil, NewMissingHost("attributedTo has no authority", err)
	}
	if !strings.EqualFold(objectAuthority, attributedAuthority) {
		return nil, NewUnauthorised("attributedTo authority does not match object authority", nil)
	}

	var inReplyToId *uuid.UUID
	if parentURL := asString(node["inReplyTo"]); parentURL != "" {
		parent, err := f.fetchPostDepth(ctx, parentURL, depth+1)
		if err != nil {
			return nil, err
		}
		if parent != nil {
			inReplyToId = &parent.Id
		}
	}

	author, err := f.FetchAccount(ctx, AccountFetchOptionsFromURL(attributedTo))
	if err != nil {
		return nil, err
	}

	newPost := postFromNode(node, author.Id, inReplyToId)

	stored, err := f.posts.UpsertByURL(ctx, newPost)
	if err != nil {
		return nil, NewStorage("upserting post", err)
	}

	if err := f.processPostSideEffects(ctx, node, stored); err != nil {
		return nil, err
	}

	if f.search != nil && (stored.Visibility == domain.VisibilityPublic || stored.Visibility == domain.VisibilityUnlisted) {
		_ = f.search.Add(ctx, *stored)
	}

	f.postCache.Set(stored.URL, *stored, time.Hour)
	return stored, nil
}

func postFromNode(node map[string]any, accountId uuid.UUID, inReplyToId *uuid.UUID) domain.NewPost {
	id, _ := node["id"].(string)
	content := asString(node["content"])
	mediaType := asString(node["mediaType"])
	if mediaType == "text/markdown" {
		content = util.MarkdownLinksToHTML(content)
	} else {
		content = util.NormalizeInput(content)
	}

	visibility := inferVisibility(node)

	return domain.NewPost{
		AccountId:     accountId,
		InReplyToId:   inReplyToId,
		IsSensitive:   asBool(node["sensitive"]),
		Subject:       util.NormalizeInput(asString(node["summary"])),
		Content:       content,
		ContentSource: asString(node["content"]),
		ContentLang:   firstContentMapLang(node["contentMap"]),
		Visibility:    visibility,
		IsLocal:       false,
		URL:           id,
	}
}

func inferVisibility(node map[string]any) domain.Visibility {
	const publicCollection = "https://www.w3.org/ns/activitystreams#Public"
	to := asStringSlice(node["to"])
	cc := asStringSlice(node["cc"])

	for _, v := range to {
		if v == publicCollection {
			return domain.VisibilityPublic
		}
	}
	for _, v := range cc {
		if v == publicCollection {
			return domain.VisibilityUnlisted
		}
	}
	if len(to) == 0 && len(cc) == 0 {
		return domain.VisibilityMentionOnly
	}
	return domain.VisibilityFollowerOnly
}

func firstContentMapLang(raw any) string {
	m, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	for k := range m {
		return k
	}
	return ""
}

// processPostSideEffects ingests attachments, mentions and custom emojis
// referenced by the note after the post upsert (§4.5). Each PostRepo call
// commits in its own transaction (store.PostStore wraps each one
// separately), so a failure part-way leaves the post row and any side
// effects already written in place.
func (f *APFetcher) processPostSideEffects(ctx context.Context, node map[string]any, post *domain.Post) error {
	if attachments := extractAttachments(node["attachment"]); len(attachments) > 0 {
		if err := f.posts.InsertAttachments(ctx, post.Id, attachments); err != nil {
			return NewStorage("inserting attachments", err)
		}
	}

	mentionHrefs, emojiTags := splitTags(node["tag"])
	var mentions []domain.Mention
	for _, href := range mentionHrefs {
		account, err := f.FetchAccount(ctx, AccountFetchOptionsFromURL(href))
		if err != nil {
			continue
		}
		mentions = append(mentions, domain.Mention{PostId: post.Id, AccountId: account.Id, MentionText: "@" + account.Username + "@" + account.Domain})
	}
	if len(mentions) > 0 {
		if err := f.posts.InsertMentions(ctx, mentions); err != nil {
			return NewStorage("inserting mentions", err)
		}
	}

	var emojis []domain.CustomEmoji
	for _, tag := range emojiTags {
		emoji, err := f.FetchEmoji(ctx, tag)
		if err != nil {
			continue
		}
		if emoji != nil {
			emojis = append(emojis, *emoji)
		}
	}
	if len(emojis) > 0 {
		if err := f.posts.InsertEmojis(ctx, emojis); err != nil {
			return NewStorage("inserting emojis", err)
		}
	}

	return nil
}

func extractAttachments(raw any) []domain.MediaAttachment {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []domain.MediaAttachment
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		url := asString(m["url"])
		if url == "" {
			continue
		}
		out = append(out, domain.MediaAttachment{
			Id:          uuid.New(),
			ContentType: asString(m["mediaType"]),
			Description: asString(m["name"]),
			Blurhash:    asString(m["blurhash"]),
			RemoteURL:   url,
		})
	}
	return out
}

// splitTags partitions a note's "tag" array into mentioned-account hrefs and
// emoji-document URLs (custom emoji tags carry type=Emoji and an "icon").
func splitTags(raw any) ([]string, []string) {
	items, ok := raw.([]any)
	if !ok {
		return nil, nil
	}
	var mentionHrefs []string
	var emojiURLs []string
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch asString(m["type"]) {
		case "Mention":
			if href := asString(m["href"]); href != "" {
				mentionHrefs = append(mentionHrefs, href)
			}
		case "Emoji":
			if icon, ok := m["icon"].(map[string]any); ok {
				if url := asString(icon["url"]); url != "" {
					emojiURLs = append(emojiURLs, url)
				}
			}
		}
	}
	return mentionHrefs, emojiURLs
}

// FetchEmoji resolves an emoji by remote id through the emoji cache, then
// the network, inferring the content type from the icon or its URL (§4.5).
// The database is not consulted and the emoji row itself is not stored
// here: only its MediaAttachment is inserted and the emoji is cached;
// processPostSideEffects stores it through PostRepo.InsertEmojis.
func (f *APFetcher) FetchEmoji(ctx context.Context, url string) (*domain.CustomEmoji, error) {
	if cached, ok := f.emojiCache.Get(url); ok {
		return &cached, nil
	}

	if f.filter != nil {
		if allowed, err := f.filter.IsURLAllowed(url); err != nil || !allowed {
			return nil, NewUnauthorised("emoji url blocked by federation filter", err)
		}
	}

	node, err := f.client.JSONLD(ctx, url)
	if err != nil {
		return nil, err
	}

	shortcode := strings.Trim(asString(node["name"]), ":")
	icon, _ := node["icon"].(map[string]any)
	iconURL := asString(icon["url"])
	if iconURL == "" {
		return nil, NewBadRequest("emoji document missing icon url", nil)
	}

	contentType := asString(icon["mediaType"])
	if contentType == "" {
		contentType = guessContentType(iconURL)
	}
	if contentType == "" {
		return nil, NewBadRequest("could not determine emoji content type", nil)
	}

	actorHost, err := authorityOf(url)
	if err != nil {
		return nil, NewMissingHost("emoji has no authority", err)
	}

	media := domain.MediaAttachment{Id: uuid.New(), ContentType: contentType, RemoteURL: iconURL}
	if err := f.accounts.InsertMedia(ctx, []domain.MediaAttachment{media}); err != nil {
		return nil, NewStorage("inserting emoji media attachment", err)
	}

	emoji := domain.CustomEmoji{
		Id:                uuid.New(),
		Shortcode:         shortcode,
		Domain:            actorHost,
		RemoteId:          url,
		MediaAttachmentId: media.Id,
		Endorsed:          false,
		UpdatedAt:         time.Now(),
	}

	f.emojiCache.Set(url, emoji, time.Hour)
	return &emoji, nil
}

func guessContentType(rawURL string) string {
	ext := filepath.Ext(rawURL)
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asStringSlice(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
