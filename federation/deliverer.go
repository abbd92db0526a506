package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kitsune-fed/kitsune/domain"
)

const asContext = "https://www.w3.org/ns/activitystreams"

// ActivityDeliverer translates an Action into an AS2 activity and posts it to
// every resolved target inbox (§4.7), chunked to at most
// maxConcurrentRequests in-flight requests with per-request failure
// isolation: one target's failure enqueues a retry job but never aborts
// delivery to its chunk siblings (§5, §9).
type ActivityDeliverer struct {
	client                *Client
	accounts              AccountRepo
	posts                 PostRepo
	follows               FollowRepo
	inboxResolver         *InboxResolver
	keys                  KeyStore
	urls                  UrlBuilder
	jobs                  JobQueue
	maxConcurrentRequests int
}

func NewDeliverer(
	client *Client,
	accounts AccountRepo,
	posts PostRepo,
	follows FollowRepo,
	inboxResolver *InboxResolver,
	keys KeyStore,
	urls UrlBuilder,
	jobs JobQueue,
	maxConcurrentRequests int,
) *ActivityDeliverer {
	if maxConcurrentRequests <= 0 {
		maxConcurrentRequests = 10
	}
	return &ActivityDeliverer{
		client:                client,
		accounts:              accounts,
		posts:                 posts,
		follows:               follows,
		inboxResolver:         inboxResolver,
		keys:                  keys,
		urls:                  urls,
		jobs:                  jobs,
		maxConcurrentRequests: maxConcurrentRequests,
	}
}

// deliveryPlan is the resolved (activity, targets, signing account) for one
// Action, built by planFor per §4.7's action table.
type deliveryPlan struct {
	activity  map[string]any
	targets   []string
	signerId  uuid.UUID
	keyID     string
}

func (d *ActivityDeliverer) Deliver(ctx context.Context, action Action) error {
	plan, err := d.planFor(ctx, action)
	if err != nil {
		return err
	}
	if len(plan.targets) == 0 {
		return nil
	}

	body, err := json.Marshal(plan.activity)
	if err != nil {
		return NewBadRequest("marshalling activity", err)
	}

	privateKeyPEM, err := d.keys.PrivateKeyFor(ctx, plan.signerId)
	if err != nil {
		return NewCrypto("loading signing key", err)
	}

	d.deliverChunked(ctx, plan.targets, body, plan.keyID, plan.signerId, privateKeyPEM)
	return nil
}

// deliverChunked fans requests out in batches of at most
// maxConcurrentRequests.
func (d *ActivityDeliverer) deliverChunked(ctx context.Context, targets []string, body []byte, keyID string, signerId uuid.UUID, privateKeyPEM string) {
	for start := 0; start < len(targets); start += d.maxConcurrentRequests {
		end := start + d.maxConcurrentRequests
		if end > len(targets) {
			end = len(targets)
		}
		chunk := targets[start:end]

		var wg sync.WaitGroup
		for _, inbox := range chunk {
			wg.Add(1)
			go func(inbox string) {
				defer wg.Done()
				d.deliverOne(ctx, inbox, body, keyID, signerId, privateKeyPEM)
			}(inbox)
		}
		wg.Wait()
	}
}

func (d *ActivityDeliverer) deliverOne(ctx context.Context, inbox string, body []byte, keyID string, signerId uuid.UUID, privateKeyPEM string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		log.Printf("deliverer: building request to %s: %v", inbox, err)
		return
	}
	req.Header.Set("Content-Type", contentTypeHeader)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Host = req.URL.Host

	resp, err := d.client.ExecuteSigned(req, keyID, privateKeyPEM, body)
	if err != nil {
		d.enqueueRetry(ctx, inbox, body, keyID, signerId, 0)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return
	}

	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		d.enqueueRetry(ctx, inbox, body, keyID, signerId, 0)
		return
	}

	log.Printf("deliverer: terminal failure delivering to %s: status %d", inbox, resp.StatusCode)
}

func (d *ActivityDeliverer) enqueueRetry(ctx context.Context, inbox string, body []byte, keyID string, signerId uuid.UUID, failCount int) {
	if d.jobs == nil {
		return
	}
	payload, _ := json.Marshal(retryPayload{Inbox: inbox, ActivityJSON: string(body), KeyID: keyID, SignerId: signerId})
	if err := d.jobs.Enqueue(ctx, JobDetails{Payload: payload, FailCount: failCount}); err != nil {
		log.Printf("deliverer: failed to enqueue retry for %s: %v", inbox, err)
	}
}

// retryPayload is the job envelope's payload (§4.9, §9): everything
// deliverOne needs to replay the POST, since by the time a retry job runs
// the private key must be re-fetched (never persisted on the queue itself).
type retryPayload struct {
	Inbox        string    `json:"inbox"`
	ActivityJSON string    `json:"activity_json"`
	KeyID        string    `json:"key_id"`
	SignerId     uuid.UUID `json:"signer_id"`
}

// RetryDelivery re-executes a previously failed delivery from its queued
// payload; bound into queue.Handler by cmd/kitsuned so a claimed retry job
// reuses the exact same signing/send path as a fresh delivery.
func (d *ActivityDeliverer) RetryDelivery(ctx context.Context, payload []byte) error {
	var rp retryPayload
	if err := json.Unmarshal(payload, &rp); err != nil {
		return NewBadRequest("decoding retry payload", err)
	}
	privateKeyPEM, err := d.keys.PrivateKeyFor(ctx, rp.SignerId)
	if err != nil {
		return NewCrypto("loading signing key for retry", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rp.Inbox, bytes.NewReader([]byte(rp.ActivityJSON)))
	if err != nil {
		return NewBadRequest("building retry request", err)
	}
	req.Header.Set("Content-Type", contentTypeHeader)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Host = req.URL.Host

	resp, err := d.client.ExecuteSigned(req, rp.KeyID, privateKeyPEM, []byte(rp.ActivityJSON))
	if err != nil {
		return NewTransient("retry delivery failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return NewTransient(fmt.Sprintf("retry delivery status %d", resp.StatusCode), nil)
	}
	return NewBadRequest(fmt.Sprintf("retry delivery terminal status %d", resp.StatusCode), nil)
}

// planFor builds the AS2 activity and its target inbox set per action,
// following §4.7's table.
func (d *ActivityDeliverer) planFor(ctx context.Context, action Action) (*deliveryPlan, error) {
	switch action.Kind {
	case ActionAcceptFollow:
		return d.planFollowResponse(ctx, *action.Follow, "Accept")
	case ActionRejectFollow:
		plan, err := d.planFollowResponse(ctx, *action.Follow, "Reject")
		if err != nil {
			return nil, err
		}
		if err := d.follows.Delete(ctx, action.Follow.Id); err != nil {
			return nil, NewStorage("deleting rejected follow", err)
		}
		return plan, nil
	case ActionFollow:
		return d.planFollow(ctx, *action.Follow)
	case ActionUnfollow:
		return d.planUndoFollow(ctx, *action.Follow)
	case ActionFavourite:
		return d.planLike(ctx, *action.Favourite, false)
	case ActionUnfavourite:
		return d.planLike(ctx, *action.Favourite, true)
	case ActionCreate:
		return d.planPostActivity(ctx, *action.Post, "Create")
	case ActionRepost:
		return d.planAnnounce(ctx, *action.Post)
	case ActionDelete:
		return d.planDelete(ctx, *action.Post)
	case ActionUnrepost:
		return d.planUndoAnnounce(ctx, *action.Post)
	case ActionUpdateAccount:
		return d.planUpdateAccount(ctx, *action.Account)
	case ActionUpdatePost:
		return d.planPostActivity(ctx, *action.Post, "Update")
	default:
		return nil, NewBadRequest(fmt.Sprintf("unknown action kind %q", action.Kind), nil)
	}
}

func (d *ActivityDeliverer) planFollowResponse(ctx context.Context, follow domain.Follow, verb string) (*deliveryPlan, error) {
	target, err := d.accounts.FindById(ctx, follow.AccountId)
	if err != nil || target == nil {
		return nil, NewStorage("loading follow target account", err)
	}
	follower, err := d.accounts.FindById(ctx, follow.FollowerId)
	if err != nil || follower == nil {
		return nil, NewStorage("loading follower account", err)
	}

	activity := map[string]any{
		"@context": asContext,
		"id":       d.urls.FollowURL(follow.Id) + "/" + lowerVerb(verb),
		"type":     verb,
		"actor":    target.URL,
		"object":   follow.URL,
	}
	return &deliveryPlan{activity: activity, targets: []string{follower.Inbox()}, signerId: target.Id, keyID: target.PublicKeyId}, nil
}

func (d *ActivityDeliverer) planFollow(ctx context.Context, follow domain.Follow) (*deliveryPlan, error) {
	follower, err := d.accounts.FindById(ctx, follow.FollowerId)
	if err != nil || follower == nil {
		return nil, NewStorage("loading follower account", err)
	}
	target, err := d.accounts.FindById(ctx, follow.AccountId)
	if err != nil || target == nil {
		return nil, NewStorage("loading follow target", err)
	}

	activity := map[string]any{
		"@context": asContext,
		"id":       follow.URL,
		"type":     "Follow",
		"actor":    follower.URL,
		"object":   target.URL,
	}
	return &deliveryPlan{activity: activity, targets: []string{target.Inbox()}, signerId: follower.Id, keyID: follower.PublicKeyId}, nil
}

func (d *ActivityDeliverer) planUndoFollow(ctx context.Context, follow domain.Follow) (*deliveryPlan, error) {
	follower, err := d.accounts.FindById(ctx, follow.FollowerId)
	if err != nil || follower == nil {
		return nil, NewStorage("loading follower account", err)
	}
	target, err := d.accounts.FindById(ctx, follow.AccountId)
	if err != nil || target == nil {
		return nil, NewStorage("loading follow target", err)
	}

	activity := map[string]any{
		"@context": asContext,
		"id":       follow.URL + "/undo",
		"type":     "Undo",
		"actor":    follower.URL,
		"object": map[string]any{
			"id":     follow.URL,
			"type":   "Follow",
			"actor":  follower.URL,
			"object": target.URL,
		},
	}
	return &deliveryPlan{activity: activity, targets: []string{target.Inbox()}, signerId: follower.Id, keyID: follower.PublicKeyId}, nil
}

func (d *ActivityDeliverer) planLike(ctx context.Context, fav domain.Favourite, undo bool) (*deliveryPlan, error) {
	actor, err := d.accounts.FindById(ctx, fav.AccountId)
	if err != nil || actor == nil {
		return nil, NewStorage("loading liking account", err)
	}
	post, err := d.posts.FindById(ctx, fav.PostId)
	if err != nil || post == nil {
		return nil, NewStorage("loading favourited post", err)
	}
	author, err := d.accounts.FindById(ctx, post.AccountId)
	if err != nil || author == nil {
		return nil, NewStorage("loading favourited post author", err)
	}

	like := map[string]any{
		"@context": asContext,
		"id":       fav.URL,
		"type":     "Like",
		"actor":    actor.URL,
		"object":   post.URL,
	}

	activity := like
	if undo {
		activity = map[string]any{
			"@context": asContext,
			"id":       fav.URL + "/undo",
			"type":     "Undo",
			"actor":    actor.URL,
			"object":   like,
		}
	}

	return &deliveryPlan{activity: activity, targets: []string{author.Inbox()}, signerId: actor.Id, keyID: actor.PublicKeyId}, nil
}

func (d *ActivityDeliverer) planPostActivity(ctx context.Context, post domain.Post, verb string) (*deliveryPlan, error) {
	author, err := d.accounts.FindById(ctx, post.AccountId)
	if err != nil || author == nil {
		return nil, NewStorage("loading post author", err)
	}

	mentions, err := d.posts.FindMentions(ctx, post.Id)
	if err != nil {
		return nil, NewStorage("loading post mentions", err)
	}

	targets, err := d.inboxResolver.Resolve(ctx, post, mentions)
	if err != nil {
		return nil, err
	}

	var inReplyTo string
	if post.InReplyToId != nil {
		parent, err := d.posts.FindById(ctx, *post.InReplyToId)
		if err != nil {
			return nil, NewStorage("loading reply parent", err)
		}
		if parent != nil {
			inReplyTo = parent.URL
		}
	}

	activity := map[string]any{
		"@context": asContext,
		"id":       activityIdForUpdate(post.URL, verb),
		"type":     verb,
		"actor":    author.URL,
		"object":   buildNote(post, author, inReplyTo),
		"to":       visibilityAudience(post.Visibility, author),
	}

	return &deliveryPlan{activity: activity, targets: targets, signerId: author.Id, keyID: author.PublicKeyId}, nil
}

func (d *ActivityDeliverer) planAnnounce(ctx context.Context, post domain.Post) (*deliveryPlan, error) {
	if post.RepostedPostId == nil {
		return nil, NewBadRequest("repost action on a post with no reposted_post_id", nil)
	}
	author, err := d.accounts.FindById(ctx, post.AccountId)
	if err != nil || author == nil {
		return nil, NewStorage("loading reposting account", err)
	}
	reposted, err := d.posts.FindById(ctx, *post.RepostedPostId)
	if err != nil || reposted == nil {
		return nil, NewStorage("loading reposted post", err)
	}

	targets, err := d.inboxResolver.Resolve(ctx, post, nil)
	if err != nil {
		return nil, err
	}

	activity := map[string]any{
		"@context": asContext,
		"id":       post.URL,
		"type":     "Announce",
		"actor":    author.URL,
		"object":   reposted.URL,
		"to":       visibilityAudience(post.Visibility, author),
	}
	return &deliveryPlan{activity: activity, targets: targets, signerId: author.Id, keyID: author.PublicKeyId}, nil
}

func (d *ActivityDeliverer) planUndoAnnounce(ctx context.Context, post domain.Post) (*deliveryPlan, error) {
	if post.RepostedPostId == nil {
		return nil, NewBadRequest("unrepost action on a post with no reposted_post_id", nil)
	}
	author, err := d.accounts.FindById(ctx, post.AccountId)
	if err != nil || author == nil {
		return nil, NewStorage("loading reposting account", err)
	}
	reposted, err := d.posts.FindById(ctx, *post.RepostedPostId)
	if err != nil || reposted == nil {
		return nil, NewStorage("loading reposted post", err)
	}

	targets, err := d.inboxResolver.Resolve(ctx, post, nil)
	if err != nil {
		return nil, err
	}

	activity := map[string]any{
		"@context": asContext,
		"id":       post.URL + "/undo",
		"type":     "Undo",
		"actor":    author.URL,
		"object": map[string]any{
			"id":     post.URL,
			"type":   "Announce",
			"actor":  author.URL,
			"object": reposted.URL,
		},
	}
	return &deliveryPlan{activity: activity, targets: targets, signerId: author.Id, keyID: author.PublicKeyId}, nil
}

func (d *ActivityDeliverer) planDelete(ctx context.Context, post domain.Post) (*deliveryPlan, error) {
	author, err := d.accounts.FindById(ctx, post.AccountId)
	if err != nil || author == nil {
		return nil, NewStorage("loading post author", err)
	}

	mentions, err := d.posts.FindMentions(ctx, post.Id)
	if err != nil {
		return nil, NewStorage("loading post mentions", err)
	}

	targets, err := d.inboxResolver.Resolve(ctx, post, mentions)
	if err != nil {
		return nil, err
	}

	activity := map[string]any{
		"@context": asContext,
		"id":       post.URL + "/delete",
		"type":     "Delete",
		"actor":    author.URL,
		"object":   post.URL,
		"to":       visibilityAudience(post.Visibility, author),
	}
	return &deliveryPlan{activity: activity, targets: targets, signerId: author.Id, keyID: author.PublicKeyId}, nil
}

func (d *ActivityDeliverer) planUpdateAccount(ctx context.Context, account domain.Account) (*deliveryPlan, error) {
	targets, err := d.inboxResolver.ResolveFollowers(ctx, account.Id)
	if err != nil {
		return nil, err
	}

	activity := map[string]any{
		"@context": asContext,
		"id":       account.URL + "/update/" + time.Now().UTC().Format("20060102150405"),
		"type":     "Update",
		"actor":    account.URL,
		"object":   buildActor(account),
	}
	return &deliveryPlan{activity: activity, targets: targets, signerId: account.Id, keyID: account.PublicKeyId}, nil
}

func buildNote(post domain.Post, author *domain.Account, inReplyTo string) map[string]any {
	note := map[string]any{
		"id":           post.URL,
		"type":         "Note",
		"attributedTo": author.URL,
		"content":      post.Content,
		"summary":      post.Subject,
		"sensitive":    post.IsSensitive,
		"published":    post.CreatedAt.UTC().Format(time.RFC3339),
		"to":           visibilityAudience(post.Visibility, author),
	}
	if inReplyTo != "" {
		note["inReplyTo"] = inReplyTo
	}
	return note
}

func buildActor(account domain.Account) map[string]any {
	return map[string]any{
		"id":                account.URL,
		"type":              string(account.ActorType),
		"preferredUsername": account.Username,
		"name":              account.DisplayName,
		"summary":           account.Note,
		"inbox":             account.InboxURL,
		"outbox":            account.OutboxURL,
		"followers":         account.FollowersURL,
		"following":         account.FollowingURL,
		"manuallyApprovesFollowers": account.Locked,
		"publicKey": map[string]any{
			"id":           account.PublicKeyId,
			"owner":        account.URL,
			"publicKeyPem": account.PublicKeyPem,
		},
	}
}

func visibilityAudience(v domain.Visibility, author *domain.Account) []string {
	const publicCollection = "https://www.w3.org/ns/activitystreams#Public"
	switch v {
	case domain.VisibilityPublic:
		return []string{publicCollection}
	case domain.VisibilityUnlisted:
		return []string{author.FollowersURL}
	case domain.VisibilityFollowerOnly:
		return []string{author.FollowersURL}
	default:
		return nil
	}
}

func activityIdForUpdate(postURL, verb string) string {
	if verb == "Update" {
		return postURL + "/update/" + time.Now().UTC().Format("20060102150405")
	}
	return postURL
}

func lowerVerb(v string) string {
	switch v {
	case "Accept":
		return "accept"
	case "Reject":
		return "reject"
	default:
		return v
	}
}
