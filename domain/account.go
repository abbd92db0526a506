package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActorType is the AS2 actor type for an Account.
type ActorType string

const (
	ActorPerson  ActorType = "Person"
	ActorService ActorType = "Service"
	ActorGroup   ActorType = "Group"
)

// Account is a local or remote ActivityPub actor. local ⇔ domain equals the
// configured local domain (config.AppConfig.Conf.SslDomain).
type Account struct {
	Id              uuid.UUID
	Local           bool
	Username        string
	Domain          string
	URL             string
	InboxURL        string
	SharedInboxURL  string
	OutboxURL       string
	FollowersURL    string
	FollowingURL    string
	PublicKeyId     string
	PublicKeyPem    string
	ActorType       ActorType
	DisplayName     string
	Note            string
	Locked          bool
	AvatarId        *uuid.UUID
	HeaderId        *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Inbox returns the URL to which activities destined for this account
// should be delivered, preferring the shared inbox per §4.6.
func (a *Account) Inbox() string {
	if a.SharedInboxURL != "" {
		return a.SharedInboxURL
	}
	return a.InboxURL
}

// LocalUser holds the credentials for a local Account. The private key signs
// outbound deliveries made on that account's behalf.
type LocalUser struct {
	Id                uuid.UUID
	AccountId         uuid.UUID
	Email             string
	PasswordHash      string
	PrivateKeyPem     string
	ConfirmationToken string
	ConfirmedAt       *time.Time
}

// NewAccount is the upsert payload the Fetcher builds from a freshly
// retrieved or refreshed AS2 actor document.
type NewAccount struct {
	Username       string
	Domain         string
	URL            string
	InboxURL       string
	SharedInboxURL string
	OutboxURL      string
	FollowersURL   string
	FollowingURL   string
	PublicKeyId    string
	PublicKeyPem   string
	ActorType      ActorType
	DisplayName    string
	Note           string
	Locked         bool
}
