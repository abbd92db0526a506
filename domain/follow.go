package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow is a relationship from Follower to (target) Account. It is
// "pending" iff ApprovedAt is nil.
type Follow struct {
	Id         uuid.UUID
	AccountId  uuid.UUID // the followed account
	FollowerId uuid.UUID // the following account
	URL        string
	ApprovedAt *time.Time
	Notify     bool
	CreatedAt  time.Time
}

func (f *Follow) Pending() bool {
	return f.ApprovedAt == nil
}
