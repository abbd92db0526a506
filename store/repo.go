package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kitsune-fed/kitsune/domain"
	"github.com/kitsune-fed/kitsune/federation"
)

// AccountStore implements federation.AccountRepo and federation.KeyStore,
// delegating every call to the singleton DB (§6), mirroring the teacher's
// db_wrapper.go delegation style.
type AccountStore struct {
	db *DB
}

func NewAccountStore(db *DB) *AccountStore { return &AccountStore{db: db} }

var _ federation.AccountRepo = (*AccountStore)(nil)
var _ federation.KeyStore = (*AccountStore)(nil)

const accountColumns = `id, local, username, domain, url, inbox_url, shared_inbox_url, outbox_url, followers_url, following_url, public_key_id, public_key_pem, actor_type, display_name, note, locked, avatar_id, header_id, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*domain.Account, error) {
	var a domain.Account
	var actorType string
	var avatarId, headerId sql.NullString

	err := row.Scan(&a.Id, &a.Local, &a.Username, &a.Domain, &a.URL, &a.InboxURL, &a.SharedInboxURL,
		&a.OutboxURL, &a.FollowersURL, &a.FollowingURL, &a.PublicKeyId, &a.PublicKeyPem, &actorType,
		&a.DisplayName, &a.Note, &a.Locked, &avatarId, &headerId, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.ActorType = domain.ActorType(actorType)
	if avatarId.Valid {
		id, _ := uuid.Parse(avatarId.String)
		a.AvatarId = &id
	}
	if headerId.Valid {
		id, _ := uuid.Parse(headerId.String)
		a.HeaderId = &id
	}
	return &a, nil
}

func (s *AccountStore) FindByURL(ctx context.Context, url string) (*domain.Account, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE url = ?`, url)
	return scanAccount(row)
}

// FindByUsername resolves a local actor by username for the inbox route's
// username-path-segment → account-id lookup; it is not part of
// federation.AccountRepo because remote lookups always go by URL.
func (s *AccountStore) FindByUsername(ctx context.Context, username string) (*domain.Account, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = ? AND local = 1`, username)
	return scanAccount(row)
}

func (s *AccountStore) FindById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *AccountStore) UpsertByURL(ctx context.Context, acc domain.NewAccount) (*domain.Account, error) {
	var stored *domain.Account
	err := s.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO accounts (id, local, username, domain, url, inbox_url, shared_inbox_url, outbox_url,
				followers_url, following_url, public_key_id, public_key_pem, actor_type, display_name, note, locked)
			VALUES (?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET
				display_name = excluded.display_name,
				note = excluded.note,
				locked = excluded.locked,
				public_key_id = excluded.public_key_id,
				public_key_pem = excluded.public_key_pem,
				updated_at = current_timestamp
			RETURNING `+accountColumns,
			uuid.New(), acc.Username, acc.Domain, acc.URL, acc.InboxURL, acc.SharedInboxURL, acc.OutboxURL,
			acc.FollowersURL, acc.FollowingURL, acc.PublicKeyId, acc.PublicKeyPem, string(acc.ActorType),
			acc.DisplayName, acc.Note, acc.Locked,
		)
		result, err := scanAccount(row)
		if err != nil {
			return err
		}
		stored = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *AccountStore) UpdateMedia(ctx context.Context, accountId uuid.UUID, avatarId, headerId *uuid.UUID) error {
	_, err := s.db.conn.ExecContext(ctx, `UPDATE accounts SET avatar_id = ?, header_id = ?, updated_at = current_timestamp WHERE id = ?`,
		nullableUUID(avatarId), nullableUUID(headerId), accountId)
	return err
}

// InsertMedia stores standalone MediaAttachment rows with no owning post —
// an account's avatar/header — keyed by the caller-supplied Id so it can be
// linked via UpdateMedia in the same logical unit (§4.5).
func (s *AccountStore) InsertMedia(ctx context.Context, attachments []domain.MediaAttachment) error {
	return s.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, a := range attachments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO media_attachments (id, account_id, post_id, content_type, description, blurhash, file_path, remote_url)
				VALUES (?, ?, NULL, ?, ?, ?, ?, ?)`,
				a.Id, nullableUUID(a.AccountId), a.ContentType, a.Description, a.Blurhash, a.FilePath, a.RemoteURL,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// PrivateKeyFor implements federation.KeyStore by joining through
// local_users.
func (s *AccountStore) PrivateKeyFor(ctx context.Context, accountId uuid.UUID) (string, error) {
	var pem string
	err := s.db.conn.QueryRowContext(ctx, `SELECT private_key_pem FROM local_users WHERE account_id = ?`, accountId).Scan(&pem)
	if errors.Is(err, sql.ErrNoRows) {
		return "", federation.NewNotFound("no local user for account", nil)
	}
	return pem, err
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

// PostStore implements federation.PostRepo.
type PostStore struct {
	db *DB
}

func NewPostStore(db *DB) *PostStore { return &PostStore{db: db} }

var _ federation.PostRepo = (*PostStore)(nil)

const postColumns = `id, account_id, in_reply_to_id, reposted_post_id, is_sensitive, subject, content, content_source, content_lang, link_preview_url, visibility, is_local, url, created_at, updated_at`

func scanPost(row interface{ Scan(...any) error }) (*domain.Post, error) {
	var p domain.Post
	var visibility string
	var inReplyTo, reposted sql.NullString

	err := row.Scan(&p.Id, &p.AccountId, &inReplyTo, &reposted, &p.IsSensitive, &p.Subject, &p.Content,
		&p.ContentSource, &p.ContentLang, &p.LinkPreviewURL, &visibility, &p.IsLocal, &p.URL, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Visibility = domain.Visibility(visibility)
	if inReplyTo.Valid {
		id, _ := uuid.Parse(inReplyTo.String)
		p.InReplyToId = &id
	}
	if reposted.Valid {
		id, _ := uuid.Parse(reposted.String)
		p.RepostedPostId = &id
	}
	return &p, nil
}

func (s *PostStore) FindByURL(ctx context.Context, url string) (*domain.Post, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE url = ?`, url)
	return scanPost(row)
}

func (s *PostStore) FindById(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	return scanPost(row)
}

func (s *PostStore) UpsertByURL(ctx context.Context, post domain.NewPost) (*domain.Post, error) {
	var stored *domain.Post
	err := s.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO posts (id, account_id, in_reply_to_id, reposted_post_id, is_sensitive, subject, content,
				content_source, content_lang, link_preview_url, visibility, is_local, url)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET
				subject = excluded.subject,
				content = excluded.content,
				updated_at = current_timestamp
			RETURNING `+postColumns,
			uuid.New(), post.AccountId, nullableUUID(post.InReplyToId), nullableUUID(post.RepostedPostId),
			post.IsSensitive, post.Subject, post.Content, post.ContentSource, post.ContentLang,
			post.LinkPreviewURL, string(post.Visibility), post.IsLocal, post.URL,
		)
		result, err := scanPost(row)
		if err != nil {
			return err
		}
		stored = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *PostStore) UpdateByURL(ctx context.Context, url string, subject, content string, updatedAt time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `UPDATE posts SET subject = ?, content = ?, updated_at = ? WHERE url = ?`,
		subject, content, updatedAt, url)
	return err
}

func (s *PostStore) InsertAttachments(ctx context.Context, postId uuid.UUID, attachments []domain.MediaAttachment) error {
	return s.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, a := range attachments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO media_attachments (id, account_id, post_id, content_type, description, blurhash, file_path, remote_url)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				a.Id, nullableUUID(a.AccountId), postId, a.ContentType, a.Description, a.Blurhash, a.FilePath, a.RemoteURL,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostStore) InsertMentions(ctx context.Context, mentions []domain.Mention) error {
	return s.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, m := range mentions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO mentions (post_id, account_id, mention_text) VALUES (?, ?, ?)
				ON CONFLICT(post_id, account_id) DO NOTHING`,
				m.PostId, m.AccountId, m.MentionText,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostStore) FindMentions(ctx context.Context, postId uuid.UUID) ([]domain.Mention, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT post_id, account_id, mention_text FROM mentions WHERE post_id = ?`, postId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mentions []domain.Mention
	for rows.Next() {
		var m domain.Mention
		if err := rows.Scan(&m.PostId, &m.AccountId, &m.MentionText); err != nil {
			return nil, err
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

func (s *PostStore) InsertEmojis(ctx context.Context, emojis []domain.CustomEmoji) error {
	return s.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, e := range emojis {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO custom_emojis (id, shortcode, domain, remote_id, media_attachment_id, endorsed)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(shortcode, domain) DO UPDATE SET remote_id = excluded.remote_id, updated_at = current_timestamp`,
				e.Id, e.Shortcode, e.Domain, e.RemoteId, e.MediaAttachmentId, e.Endorsed,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	return err
}

// FollowStore implements federation.FollowRepo.
type FollowStore struct {
	db *DB
}

func NewFollowStore(db *DB) *FollowStore { return &FollowStore{db: db} }

var _ federation.FollowRepo = (*FollowStore)(nil)

const followColumns = `id, account_id, follower_id, url, approved_at, notify, created_at`

func scanFollow(row interface{ Scan(...any) error }) (*domain.Follow, error) {
	var f domain.Follow
	var approvedAt sql.NullTime
	err := row.Scan(&f.Id, &f.AccountId, &f.FollowerId, &f.URL, &approvedAt, &f.Notify, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if approvedAt.Valid {
		f.ApprovedAt = &approvedAt.Time
	}
	return &f, nil
}

func (s *FollowStore) Insert(ctx context.Context, f domain.Follow) (*domain.Follow, error) {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	row := s.db.conn.QueryRowContext(ctx, `
		INSERT INTO follows (id, account_id, follower_id, url, approved_at, notify)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, follower_id) DO UPDATE SET url = excluded.url
		RETURNING `+followColumns,
		f.Id, f.AccountId, f.FollowerId, f.URL, nullableTime(f.ApprovedAt), f.Notify,
	)
	return scanFollow(row)
}

func (s *FollowStore) Approve(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.conn.ExecContext(ctx, `UPDATE follows SET approved_at = current_timestamp WHERE id = ?`, id)
	return err
}

func (s *FollowStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM follows WHERE id = ?`, id)
	return err
}

func (s *FollowStore) Find(ctx context.Context, accountId, followerId uuid.UUID) (*domain.Follow, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+followColumns+` FROM follows WHERE account_id = ? AND follower_id = ?`, accountId, followerId)
	return scanFollow(row)
}

func (s *FollowStore) FindByURL(ctx context.Context, url string) (*domain.Follow, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+followColumns+` FROM follows WHERE url = ?`, url)
	return scanFollow(row)
}

const accountColumnsQualified = `accounts.id, accounts.local, accounts.username, accounts.domain, accounts.url, accounts.inbox_url, accounts.shared_inbox_url, accounts.outbox_url, accounts.followers_url, accounts.following_url, accounts.public_key_id, accounts.public_key_pem, accounts.actor_type, accounts.display_name, accounts.note, accounts.locked, accounts.avatar_id, accounts.header_id, accounts.created_at, accounts.updated_at`

func (s *FollowStore) Followers(ctx context.Context, accountId uuid.UUID) ([]domain.Account, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+accountColumnsQualified+` FROM accounts
		JOIN follows ON follows.follower_id = accounts.id
		WHERE follows.account_id = ? AND follows.approved_at IS NOT NULL`, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		if acc != nil {
			out = append(out, *acc)
		}
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// FavouriteStore implements federation.FavouriteRepo.
type FavouriteStore struct {
	db *DB
}

func NewFavouriteStore(db *DB) *FavouriteStore { return &FavouriteStore{db: db} }

var _ federation.FavouriteRepo = (*FavouriteStore)(nil)

func (s *FavouriteStore) Insert(ctx context.Context, accountId, postId uuid.UUID, url string) (*domain.Favourite, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		INSERT INTO favourites (id, account_id, post_id, url) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, post_id) DO UPDATE SET url = excluded.url
		RETURNING id, account_id, post_id, url, created_at`,
		uuid.New(), accountId, postId, url,
	)
	var f domain.Favourite
	if err := row.Scan(&f.Id, &f.AccountId, &f.PostId, &f.URL, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *FavouriteStore) Delete(ctx context.Context, accountId, postId uuid.UUID) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM favourites WHERE account_id = ? AND post_id = ?`, accountId, postId)
	return err
}

func (s *FavouriteStore) Find(ctx context.Context, accountId, postId uuid.UUID) (*domain.Favourite, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT id, account_id, post_id, url, created_at FROM favourites WHERE account_id = ? AND post_id = ?`, accountId, postId)
	var f domain.Favourite
	err := row.Scan(&f.Id, &f.AccountId, &f.PostId, &f.URL, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// NoopSearchIndex is the default SearchIndex implementation: a full-text
// search backend is an external collaborator per §1, so this in-tree
// implementation does nothing and returns nil, keeping the §6 interface exercised without
// pulling in a search engine dependency the pack never shows.
type NoopSearchIndex struct{}

var _ federation.SearchIndex = NoopSearchIndex{}

func (NoopSearchIndex) Add(ctx context.Context, post domain.Post) error      { return nil }
func (NoopSearchIndex) Update(ctx context.Context, post domain.Post) error   { return nil }
func (NoopSearchIndex) Remove(ctx context.Context, postId uuid.UUID) error   { return nil }
func (NoopSearchIndex) AddAccount(ctx context.Context, a domain.Account) error { return nil }
