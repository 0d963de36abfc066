package domain

import (
	"github.com/google/uuid"
	"time"
)

// AdminPurgeCommunity records an admin purging a community. The community row
// is gone afterwards, so only admin and reason are kept.
type AdminPurgeCommunity struct {
	Id            uuid.UUID
	AdminPersonId uuid.UUID
	Reason        string
	CreatedAt     time.Time
}

// ModRemovePost records a moderator removing a post, as received over
// federation.
type ModRemovePost struct {
	Id          uuid.UUID
	ModPersonId uuid.UUID
	PostId      uuid.UUID
	Reason      string
	Removed     bool // false when the entry records a restore
	CreatedAt   time.Time
}

// ModRemoveComment is the comment counterpart of ModRemovePost.
type ModRemoveComment struct {
	Id          uuid.UUID
	ModPersonId uuid.UUID
	CommentId   uuid.UUID
	Reason      string
	Removed     bool
	CreatedAt   time.Time
}

// ModRemoveCommunity records a whole community being removed by a moderator
// or admin.
type ModRemoveCommunity struct {
	Id          uuid.UUID
	ModPersonId uuid.UUID
	CommunityId uuid.UUID
	Reason      string
	Removed     bool
	CreatedAt   time.Time
}
