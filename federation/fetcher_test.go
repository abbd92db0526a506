package federation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kitsune-fed/kitsune/domain"
)

// fakeHTTPDoer lets tests script canned responses per request, grounded on
// the teacher's mock_db_test.go hand-written-fake style.
type fakeHTTPDoer struct {
	responses map[string]fakeResponse
}

type fakeResponse struct {
	status      int
	contentType string
	body        string
}

func (d *fakeHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	fr, ok := d.responses[req.URL.String()]
	if !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader("")),
			Header:     http.Header{},
			Request:    req,
		}, nil
	}
	h := http.Header{}
	if fr.contentType != "" {
		h.Set("Content-Type", fr.contentType)
	}
	return &http.Response{
		StatusCode: fr.status,
		Body:       io.NopCloser(strings.NewReader(fr.body)),
		Header:     h,
		Request:    req,
	}, nil
}

type fakeAccountRepo struct {
	byURL         map[string]*domain.Account
	insertedMedia []domain.MediaAttachment
}

func newFakeAccountRepo() *fakeAccountRepo { return &fakeAccountRepo{byURL: map[string]*domain.Account{}} }

func (r *fakeAccountRepo) FindByURL(ctx context.Context, url string) (*domain.Account, error) {
	return r.byURL[url], nil
}
func (r *fakeAccountRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	for _, a := range r.byURL {
		if a.Id == id {
			return a, nil
		}
	}
	return nil, nil
}
func (r *fakeAccountRepo) UpsertByURL(ctx context.Context, acc domain.NewAccount) (*domain.Account, error) {
	existing, ok := r.byURL[acc.URL]
	id := uuid.New()
	if ok {
		id = existing.Id
	}
	stored := &domain.Account{
		Id: id, Username: acc.Username, Domain: acc.Domain, URL: acc.URL,
		InboxURL: acc.InboxURL, SharedInboxURL: acc.SharedInboxURL, OutboxURL: acc.OutboxURL,
		FollowersURL: acc.FollowersURL, FollowingURL: acc.FollowingURL,
		PublicKeyId: acc.PublicKeyId, PublicKeyPem: acc.PublicKeyPem, ActorType: acc.ActorType,
		DisplayName: acc.DisplayName, Note: acc.Note, Locked: acc.Locked,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	r.byURL[acc.URL] = stored
	return stored, nil
}
func (r *fakeAccountRepo) UpdateMedia(ctx context.Context, accountId uuid.UUID, avatarId, headerId *uuid.UUID) error {
	for _, a := range r.byURL {
		if a.Id == accountId {
			a.AvatarId = avatarId
			a.HeaderId = headerId
		}
	}
	return nil
}
func (r *fakeAccountRepo) InsertMedia(ctx context.Context, attachments []domain.MediaAttachment) error {
	r.insertedMedia = append(r.insertedMedia, attachments...)
	return nil
}

type fakePostRepo struct {
	byURL map[string]*domain.Post
}

func newFakePostRepo() *fakePostRepo { return &fakePostRepo{byURL: map[string]*domain.Post{}} }

func (r *fakePostRepo) FindByURL(ctx context.Context, url string) (*domain.Post, error) {
	return r.byURL[url], nil
}
func (r *fakePostRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	for _, p := range r.byURL {
		if p.Id == id {
			return p, nil
		}
	}
	return nil, nil
}
func (r *fakePostRepo) UpsertByURL(ctx context.Context, post domain.NewPost) (*domain.Post, error) {
	stored := &domain.Post{
		Id: uuid.New(), AccountId: post.AccountId, InReplyToId: post.InReplyToId,
		RepostedPostId: post.RepostedPostId, IsSensitive: post.IsSensitive, Subject: post.Subject,
		Content: post.Content, ContentSource: post.ContentSource, ContentLang: post.ContentLang,
		LinkPreviewURL: post.LinkPreviewURL, Visibility: post.Visibility, IsLocal: post.IsLocal,
		URL: post.URL, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	r.byURL[post.URL] = stored
	return stored, nil
}
func (r *fakePostRepo) UpdateByURL(ctx context.Context, url string, subject, content string, updatedAt time.Time) error {
	if p, ok := r.byURL[url]; ok {
		p.Subject = subject
		p.Content = content
	}
	return nil
}
func (r *fakePostRepo) InsertAttachments(ctx context.Context, postId uuid.UUID, attachments []domain.MediaAttachment) error {
	return nil
}
func (r *fakePostRepo) InsertMentions(ctx context.Context, mentions []domain.Mention) error { return nil }
func (r *fakePostRepo) FindMentions(ctx context.Context, postId uuid.UUID) ([]domain.Mention, error) {
	return nil, nil
}
func (r *fakePostRepo) InsertEmojis(ctx context.Context, emojis []domain.CustomEmoji) error { return nil }
func (r *fakePostRepo) Delete(ctx context.Context, id uuid.UUID) error {
	for url, p := range r.byURL {
		if p.Id == id {
			delete(r.byURL, url)
			return nil
		}
	}
	return nil
}

type fakeCache[K comparable, V any] struct {
	entries map[any]V
}

func newFakeCache[K comparable, V any]() *fakeCache[K, V] {
	return &fakeCache[K, V]{entries: map[any]V{}}
}
func (c *fakeCache[K, V]) Get(key K) (V, bool) {
	v, ok := c.entries[key]
	return v, ok
}
func (c *fakeCache[K, V]) Set(key K, value V, ttl time.Duration) { c.entries[key] = value }
func (c *fakeCache[K, V]) Delete(key K)                          { delete(c.entries, key) }

type fakeResolver struct{}

func (fakeResolver) ResolveAccount(ctx context.Context, username, domain string) (*AccountResource, error) {
	return nil, nil
}

func actorDocument(id, username, inbox string) string {
	doc := map[string]any{
		"id":                id,
		"type":              "Person",
		"preferredUsername": username,
		"inbox":             inbox,
		"publicKey": map[string]any{
			"id":           id + "#main-key",
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----\ntest\n-----END PUBLIC KEY-----",
		},
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

func newTestFetcher(doer *fakeHTTPDoer) (*APFetcher, *fakeAccountRepo, *fakePostRepo) {
	accounts := newFakeAccountRepo()
	posts := newFakePostRepo()
	client := NewClientWithDeps(doer, 0)
	fetcher := NewAPFetcher(
		client, nil, fakeResolver{}, accounts, posts,
		newFakeCache[string, domain.Account](), newFakeCache[string, domain.Post](), newFakeCache[string, domain.CustomEmoji](),
		NoopSearchIndexForTest{}, 0,
	)
	return fetcher, accounts, posts
}

// NoopSearchIndexForTest keeps this test file independent of the store
// package's concrete NoopSearchIndex.
type NoopSearchIndexForTest struct{}

func (NoopSearchIndexForTest) Add(ctx context.Context, post domain.Post) error      { return nil }
func (NoopSearchIndexForTest) Update(ctx context.Context, post domain.Post) error   { return nil }
func (NoopSearchIndexForTest) Remove(ctx context.Context, postId uuid.UUID) error   { return nil }
func (NoopSearchIndexForTest) AddAccount(ctx context.Context, a domain.Account) error { return nil }

func TestAPFetcherFetchAccountFromNetwork(t *testing.T) {
	actorURL := "https://remote.example/users/alice"
	doer := &fakeHTTPDoer{responses: map[string]fakeResponse{
		actorURL: {status: 200, contentType: contentTypeHeader, body: actorDocument(actorURL, "alice", actorURL+"/inbox")},
	}}
	fetcher, accounts, _ := newTestFetcher(doer)

	account, err := fetcher.FetchAccount(context.Background(), AccountFetchOptionsFromURL(actorURL))
	if err != nil {
		t.Fatalf("FetchAccount failed: %v", err)
	}
	if account.Username != "alice" {
		t.Errorf("expected username alice, got %s", account.Username)
	}
	if account.PublicKeyPem == "" {
		t.Error("expected a public key to be captured")
	}
	if _, ok := accounts.byURL[actorURL]; !ok {
		t.Error("expected the account to be upserted into the repo")
	}
}

func TestAPFetcherFetchAccountUsesCache(t *testing.T) {
	actorURL := "https://remote.example/users/bob"
	doer := &fakeHTTPDoer{responses: map[string]fakeResponse{}} // no canned response: network would 404
	fetcher, _, _ := newTestFetcher(doer)

	cached := domain.Account{Id: uuid.New(), Username: "bob", URL: actorURL}
	fetcher.accountCache.Set(actorURL, cached, time.Hour)

	account, err := fetcher.FetchAccount(context.Background(), AccountFetchOptionsFromURL(actorURL))
	if err != nil {
		t.Fatalf("FetchAccount failed: %v", err)
	}
	if account.Id != cached.Id {
		t.Errorf("expected the cached account, got a different one")
	}
}

func TestAPFetcherFetchAccountMissingPublicKeyFails(t *testing.T) {
	actorURL := "https://remote.example/users/carol"
	doc := map[string]any{"id": actorURL, "type": "Person", "preferredUsername": "carol"}
	b, _ := json.Marshal(doc)
	doer := &fakeHTTPDoer{responses: map[string]fakeResponse{
		actorURL: {status: 200, contentType: contentTypeHeader, body: string(b)},
	}}
	fetcher, _, _ := newTestFetcher(doer)

	_, err := fetcher.FetchAccount(context.Background(), AccountFetchOptionsFromURL(actorURL))
	if err == nil {
		t.Fatal("expected an error for an actor document missing publicKey")
	}
	if kind, ok := KindOf(err); !ok || kind != KindBadRequest {
		t.Errorf("expected KindBadRequest, got %v", kind)
	}
}

func TestAPFetcherFetchAccountProcessesAvatarAndHeader(t *testing.T) {
	actorURL := "https://remote.example/users/dana"
	doc := map[string]any{
		"id":                actorURL,
		"type":              "Person",
		"preferredUsername": "dana",
		"inbox":              actorURL + "/inbox",
		"publicKey": map[string]any{
			"id":           actorURL + "#main-key",
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----\ntest\n-----END PUBLIC KEY-----",
		},
		"icon":  map[string]any{"type": "Image", "mediaType": "image/png", "url": "https://remote.example/avatars/dana.png"},
		"image": map[string]any{"type": "Image", "mediaType": "image/jpeg", "url": "https://remote.example/headers/dana.jpg"},
	}
	b, _ := json.Marshal(doc)
	doer := &fakeHTTPDoer{responses: map[string]fakeResponse{
		actorURL: {status: 200, contentType: contentTypeHeader, body: string(b)},
	}}
	fetcher, accounts, _ := newTestFetcher(doer)

	account, err := fetcher.FetchAccount(context.Background(), AccountFetchOptionsFromURL(actorURL))
	if err != nil {
		t.Fatalf("FetchAccount failed: %v", err)
	}

	if account.AvatarId == nil || account.HeaderId == nil {
		t.Fatal("expected both AvatarId and HeaderId to be set")
	}
	if len(accounts.insertedMedia) != 2 {
		t.Fatalf("expected two MediaAttachment rows inserted, got %d", len(accounts.insertedMedia))
	}

	var avatar, header *domain.MediaAttachment
	for i := range accounts.insertedMedia {
		m := &accounts.insertedMedia[i]
		switch m.Id {
		case *account.AvatarId:
			avatar = m
		case *account.HeaderId:
			header = m
		}
	}
	if avatar == nil || avatar.RemoteURL != "https://remote.example/avatars/dana.png" {
		t.Errorf("expected the avatar MediaAttachment to carry the icon url, got %+v", avatar)
	}
	if header == nil || header.RemoteURL != "https://remote.example/headers/dana.jpg" {
		t.Errorf("expected the header MediaAttachment to carry the image url, got %+v", header)
	}
}

func TestAPFetcherFetchEmojiCreatesMediaAttachmentAndLinksIt(t *testing.T) {
	emojiURL := "https://remote.example/emojis/blobcat"
	doc := map[string]any{
		"id":   emojiURL,
		"type": "Emoji",
		"name": ":blobcat:",
		"icon": map[string]any{"type": "Image", "mediaType": "image/png", "url": "https://remote.example/emojis/blobcat.png"},
	}
	b, _ := json.Marshal(doc)
	doer := &fakeHTTPDoer{responses: map[string]fakeResponse{
		emojiURL: {status: 200, contentType: contentTypeHeader, body: string(b)},
	}}
	fetcher, accounts, _ := newTestFetcher(doer)

	emoji, err := fetcher.FetchEmoji(context.Background(), emojiURL)
	if err != nil {
		t.Fatalf("FetchEmoji failed: %v", err)
	}
	if emoji.MediaAttachmentId == uuid.Nil {
		t.Fatal("expected MediaAttachmentId to be set")
	}
	if len(accounts.insertedMedia) != 1 {
		t.Fatalf("expected one MediaAttachment row inserted, got %d", len(accounts.insertedMedia))
	}
	media := accounts.insertedMedia[0]
	if media.Id != emoji.MediaAttachmentId {
		t.Errorf("expected the inserted media row's id to match MediaAttachmentId, got %v want %v", media.Id, emoji.MediaAttachmentId)
	}
	if media.RemoteURL != "https://remote.example/emojis/blobcat.png" {
		t.Errorf("expected the emoji's icon url on the media row, got %q", media.RemoteURL)
	}
	if media.ContentType != "image/png" {
		t.Errorf("expected the emoji's media type on the media row, got %q", media.ContentType)
	}
}

func TestAPFetcherFetchPostDepthCapIsEnforced(t *testing.T) {
	fetcher, _, _ := newTestFetcher(&fakeHTTPDoer{responses: map[string]fakeResponse{}})
	fetcher.maxDepth = 1

	_, err := fetcher.fetchPostDepth(context.Background(), "https://remote.example/posts/too-deep", 2)
	if err == nil {
		t.Fatal("expected an error once depth exceeds maxDepth")
	}
	if kind, ok := KindOf(err); !ok || kind != KindBadRequest {
		t.Errorf("expected KindBadRequest, got %v", kind)
	}
}

func TestAPFetcherFetchPostRejectsAuthorityMismatch(t *testing.T) {
	postURL := "https://remote.example/posts/1"
	doc := map[string]any{
		"id":           postURL,
		"attributedTo": "https://other.example/users/mallory",
		"content":      "hi",
	}
	b, _ := json.Marshal(doc)
	doer := &fakeHTTPDoer{responses: map[string]fakeResponse{
		postURL: {status: 200, contentType: contentTypeHeader, body: string(b)},
	}}
	fetcher, _, _ := newTestFetcher(doer)

	_, err := fetcher.FetchPost(context.Background(), postURL)
	if err == nil {
		t.Fatal("expected an error when attributedTo authority does not match the object's")
	}
	if kind, ok := KindOf(err); !ok || kind != KindUnauthorised {
		t.Errorf("expected KindUnauthorised, got %v", kind)
	}
}

func TestAPFetcherFetchPostUsesCache(t *testing.T) {
	postURL := "https://remote.example/posts/cached"
	fetcher, _, _ := newTestFetcher(&fakeHTTPDoer{responses: map[string]fakeResponse{}})

	cached := domain.Post{Id: uuid.New(), URL: postURL, Content: "cached content"}
	fetcher.postCache.Set(postURL, cached, time.Hour)

	post, err := fetcher.FetchPost(context.Background(), postURL)
	if err != nil {
		t.Fatalf("FetchPost failed: %v", err)
	}
	if post.Id != cached.Id {
		t.Error("expected the cached post to be returned")
	}
}

func TestInferVisibility(t *testing.T) {
	const public = "https://www.w3.org/ns/activitystreams#Public"

	cases := []struct {
		name string
		node map[string]any
		want domain.Visibility
	}{
		{"public to", map[string]any{"to": []any{public}}, domain.VisibilityPublic},
		{"public cc", map[string]any{"cc": []any{public}}, domain.VisibilityUnlisted},
		{"no recipients", map[string]any{}, domain.VisibilityMentionOnly},
		{"followers only", map[string]any{"to": []any{"https://remote.example/users/alice/followers"}}, domain.VisibilityFollowerOnly},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := inferVisibility(c.node); got != c.want {
				t.Errorf("inferVisibility() = %v, want %v", got, c.want)
			}
		})
	}
}
