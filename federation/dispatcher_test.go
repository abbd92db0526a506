package federation

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kitsune-fed/kitsune/domain"
)

type fakeFetcher struct {
	accountsByURL map[string]*domain.Account
	postsByURL    map[string]*domain.Post
	fetchAccErr   error
	fetchPostErr  error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{accountsByURL: map[string]*domain.Account{}, postsByURL: map[string]*domain.Post{}}
}
func (f *fakeFetcher) Resolver() Resolver { return fakeResolver{} }
func (f *fakeFetcher) FetchAccount(ctx context.Context, opts FetchOptions) (*domain.Account, error) {
	if f.fetchAccErr != nil {
		return nil, f.fetchAccErr
	}
	if acc, ok := f.accountsByURL[opts.URL]; ok {
		return acc, nil
	}
	return nil, NewNotFound("account not found", nil)
}
func (f *fakeFetcher) FetchEmoji(ctx context.Context, url string) (*domain.CustomEmoji, error) {
	return nil, nil
}
func (f *fakeFetcher) FetchPost(ctx context.Context, url string) (*domain.Post, error) {
	if f.fetchPostErr != nil {
		return nil, f.fetchPostErr
	}
	if p, ok := f.postsByURL[url]; ok {
		return p, nil
	}
	return nil, NewNotFound("post not found", nil)
}

type fakeDeliverer struct {
	delivered []Action
}

func (d *fakeDeliverer) Deliver(ctx context.Context, action Action) error {
	d.delivered = append(d.delivered, action)
	return nil
}

type fakeFavouriteRepo struct {
	byPair map[string]*domain.Favourite
}

func newFakeFavouriteRepo() *fakeFavouriteRepo { return &fakeFavouriteRepo{byPair: map[string]*domain.Favourite{}} }
func favKey(accountId, postId uuid.UUID) string { return accountId.String() + "|" + postId.String() }

func (r *fakeFavouriteRepo) Insert(ctx context.Context, accountId, postId uuid.UUID, url string) (*domain.Favourite, error) {
	fav := &domain.Favourite{Id: uuid.New(), AccountId: accountId, PostId: postId, URL: url}
	r.byPair[favKey(accountId, postId)] = fav
	return fav, nil
}
func (r *fakeFavouriteRepo) Delete(ctx context.Context, accountId, postId uuid.UUID) error {
	delete(r.byPair, favKey(accountId, postId))
	return nil
}
func (r *fakeFavouriteRepo) Find(ctx context.Context, accountId, postId uuid.UUID) (*domain.Favourite, error) {
	return r.byPair[favKey(accountId, postId)], nil
}

func newTestDispatcher() (*Dispatcher, *fakeFetcher, *fakeAccountRepo, *fakePostRepo, *fakeFollowRepo, *fakeFavouriteRepo, *fakeDeliverer) {
	fetcher := newFakeFetcher()
	accounts := newFakeAccountRepo()
	posts := newFakePostRepo()
	follows := newFakeFollowRepo()
	favourites := newFakeFavouriteRepo()
	deliverer := &fakeDeliverer{}
	d := NewDispatcher(fetcher, accounts, posts, follows, favourites, deliverer, nil)
	return d, fetcher, accounts, posts, follows, favourites, deliverer
}

func followActivityJSON(id, actorURL string) string {
	return `{"id":"` + id + `","type":"Follow","actor":"` + actorURL + `"}`
}

func TestDispatcherHandleFollowUnlockedTargetAutoAccepts(t *testing.T) {
	d, fetcher, accounts, _, follows, _, deliverer := newTestDispatcher()

	target := domain.Account{Id: uuid.New(), URL: "https://kitsune.example/users/alice", Locked: false}
	follower := domain.Account{Id: uuid.New(), URL: "https://remote.example/users/bob"}
	putAccount(accounts, target)
	fetcher.accountsByURL[follower.URL] = &follower
	_ = follows

	body := strings.NewReader(followActivityJSON("https://remote.example/follows/1", follower.URL))
	if err := d.HandleInbox(context.Background(), target.Id, follower.URL, body); err != nil {
		t.Fatalf("HandleInbox failed: %v", err)
	}

	if len(deliverer.delivered) != 1 || deliverer.delivered[0].Kind != ActionAcceptFollow {
		t.Fatalf("expected an AcceptFollow action to be delivered, got %+v", deliverer.delivered)
	}
}

func TestDispatcherHandleFollowLockedTargetStaysPending(t *testing.T) {
	d, fetcher, accounts, _, _, _, deliverer := newTestDispatcher()

	target := domain.Account{Id: uuid.New(), URL: "https://kitsune.example/users/alice", Locked: true}
	follower := domain.Account{Id: uuid.New(), URL: "https://remote.example/users/bob"}
	putAccount(accounts, target)
	fetcher.accountsByURL[follower.URL] = &follower

	body := strings.NewReader(followActivityJSON("https://remote.example/follows/2", follower.URL))
	if err := d.HandleInbox(context.Background(), target.Id, follower.URL, body); err != nil {
		t.Fatalf("HandleInbox failed: %v", err)
	}

	if len(deliverer.delivered) != 0 {
		t.Errorf("expected no auto-accept for a locked account, got %+v", deliverer.delivered)
	}
}

func TestDispatcherHandleInboxRejectsActorMismatch(t *testing.T) {
	d, _, accounts, _, _, _, _ := newTestDispatcher()
	target := domain.Account{Id: uuid.New(), URL: "https://kitsune.example/users/alice"}
	putAccount(accounts, target)

	body := strings.NewReader(followActivityJSON("https://remote.example/follows/3", "https://remote.example/users/bob"))
	err := d.HandleInbox(context.Background(), target.Id, "https://remote.example/users/mallory", body)
	if err == nil {
		t.Fatal("expected an error when the activity's actor does not match the verified signer")
	}
	if kind, ok := KindOf(err); !ok || kind != KindUnauthorised {
		t.Errorf("expected KindUnauthorised, got %v", kind)
	}
}

func TestDispatcherHandleAcceptApprovesFollow(t *testing.T) {
	d, _, _, _, follows, _, _ := newTestDispatcher()
	follow := domain.Follow{Id: uuid.New(), URL: "https://kitsune.example/follows/4"}
	follows.byId[follow.Id] = &follow

	body := strings.NewReader(`{"id":"x","type":"Accept","object":"` + follow.URL + `","actor":"https://remote.example/users/bob"}`)
	if err := d.HandleInbox(context.Background(), uuid.New(), "https://remote.example/users/bob", body); err != nil {
		t.Fatalf("HandleInbox failed: %v", err)
	}
	if follows.byId[follow.Id].ApprovedAt == nil {
		t.Error("expected the follow to be approved")
	}
}

func TestDispatcherHandleLikeIsIdempotent(t *testing.T) {
	d, fetcher, _, posts, _, favourites, _ := newTestDispatcher()

	post := domain.Post{Id: uuid.New(), URL: "https://kitsune.example/notes/1"}
	liker := domain.Account{Id: uuid.New(), URL: "https://remote.example/users/bob"}
	posts.byURL[post.URL] = &post
	fetcher.postsByURL[post.URL] = &post
	fetcher.accountsByURL[liker.URL] = &liker

	likeBody := func() *strings.Reader {
		return strings.NewReader(`{"id":"https://remote.example/likes/1","type":"Like","object":"` + post.URL + `","actor":"` + liker.URL + `"}`)
	}

	if err := d.HandleInbox(context.Background(), uuid.New(), liker.URL, likeBody()); err != nil {
		t.Fatalf("first Like failed: %v", err)
	}
	if len(favourites.byPair) != 1 {
		t.Fatalf("expected one favourite recorded, got %d", len(favourites.byPair))
	}

	if err := d.HandleInbox(context.Background(), uuid.New(), liker.URL, likeBody()); err != nil {
		t.Fatalf("second Like failed: %v", err)
	}
	if len(favourites.byPair) != 1 {
		t.Errorf("expected the duplicate Like to be a no-op, got %d favourites", len(favourites.byPair))
	}
}

func TestDispatcherHandleDeleteRejectsAuthorityMismatch(t *testing.T) {
	d, _, _, posts, _, _, _ := newTestDispatcher()
	post := domain.Post{Id: uuid.New(), URL: "https://kitsune.example/notes/2"}
	posts.byURL[post.URL] = &post

	body := strings.NewReader(`{"id":"x","type":"Delete","object":"` + post.URL + `","actor":"https://other.example/users/mallory"}`)
	err := d.HandleInbox(context.Background(), uuid.New(), "https://other.example/users/mallory", body)
	if err == nil {
		t.Fatal("expected an authority mismatch error")
	}
	if kind, ok := KindOf(err); !ok || kind != KindUnauthorised {
		t.Errorf("expected KindUnauthorised, got %v", kind)
	}
}

func TestDispatcherHandleDeleteRemovesMatchingPost(t *testing.T) {
	d, _, _, posts, _, _, _ := newTestDispatcher()
	post := domain.Post{Id: uuid.New(), URL: "https://remote.example/notes/3"}
	posts.byURL[post.URL] = &post

	body := strings.NewReader(`{"id":"x","type":"Delete","object":"` + post.URL + `","actor":"https://remote.example/users/bob"}`)
	if err := d.HandleInbox(context.Background(), uuid.New(), "https://remote.example/users/bob", body); err != nil {
		t.Fatalf("HandleInbox failed: %v", err)
	}
	if _, ok := posts.byURL[post.URL]; ok {
		t.Error("expected the post to be deleted")
	}
}

func TestDispatcherHandleUndoFollowDeletesFollow(t *testing.T) {
	d, fetcher, _, _, follows, _, _ := newTestDispatcher()

	target := domain.Account{Id: uuid.New(), URL: "https://kitsune.example/users/alice"}
	follower := domain.Account{Id: uuid.New(), URL: "https://remote.example/users/bob"}
	fetcher.accountsByURL[target.URL] = &target
	fetcher.accountsByURL[follower.URL] = &follower

	follow := domain.Follow{Id: uuid.New(), AccountId: target.Id, FollowerId: follower.Id, URL: "https://remote.example/follows/5"}
	follows.byId[follow.Id] = &follow

	body := strings.NewReader(`{"id":"x","type":"Undo","actor":"` + follower.URL + `","object":{"type":"Follow","id":"` + follow.URL + `","object":"` + target.URL + `"}}`)
	if err := d.HandleInbox(context.Background(), uuid.New(), follower.URL, body); err != nil {
		t.Fatalf("HandleInbox failed: %v", err)
	}
	if _, ok := follows.byId[follow.Id]; ok {
		t.Error("expected the follow to be deleted by Undo")
	}
}

func TestDispatcherHandleInboxAcknowledgesUnknownActivityType(t *testing.T) {
	d, _, _, _, _, _, _ := newTestDispatcher()
	body := strings.NewReader(`{"id":"x","type":"SomeFutureActivity","actor":"https://remote.example/users/bob"}`)
	if err := d.HandleInbox(context.Background(), uuid.New(), "https://remote.example/users/bob", body); err != nil {
		t.Fatalf("expected unknown activity types to be acknowledged silently, got %v", err)
	}
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshalling public key: %v", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))

	actorURL := "https://remote.example/users/alice"
	keyID := actorURL + "#main-key"
	body := []byte(`{"type":"Follow"}`)

	req, err := http.NewRequest(http.MethodPost, "https://kitsune.example/users/bob/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if err := SignRequest(req, privPEM, keyID, body); err != nil {
		t.Fatalf("signing request: %v", err)
	}

	fetcher := newFakeFetcher()
	fetcher.accountsByURL[actorURL] = &domain.Account{URL: actorURL, PublicKeyPem: pubPEM}

	gotActor, err := VerifySignature(context.Background(), req, fetcher)
	if err != nil {
		t.Fatalf("VerifySignature failed: %v", err)
	}
	if gotActor != actorURL {
		t.Errorf("expected actor %q, got %q", actorURL, gotActor)
	}
}
