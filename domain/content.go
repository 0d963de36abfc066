package domain

import (
	"github.com/google/uuid"
	"time"
)

// ObjectKind distinguishes the votable object variants. The set is closed;
// vote policy and vote storage are keyed by it.
type ObjectKind string

const (
	ObjectPost    ObjectKind = "post"
	ObjectComment ObjectKind = "comment"
)

// Post is a submission to a community.
type Post struct {
	Id          uuid.UUID
	ApId        string // object URI, globally unique
	CommunityId uuid.UUID
	CreatorId   uuid.UUID
	Name        string // title
	Body        string
	Url         string
	Removed     bool // removed by a moderator
	Deleted     bool // deleted by the creator
	Local       bool
	CreatedAt   time.Time
	UpdatedAt   *time.Time // nil if never edited
}

// Comment is a reply on a post.
type Comment struct {
	Id        uuid.UUID
	ApId      string
	PostId    uuid.UUID
	CreatorId uuid.UUID
	Content   string
	Removed   bool
	Deleted   bool
	Local     bool
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// Vote is one person's vote on one object. At most one row exists per
// (person, object kind, object); applying a vote upserts it, undoing deletes
// it, and both operations are no-ops when the state already matches.
type Vote struct {
	PersonId   uuid.UUID
	ObjectKind ObjectKind
	ObjectId   uuid.UUID
	Score      int16 // +1 upvote, -1 downvote
	CreatedAt  time.Time
}

// CommunityImage tracks an uploaded image belonging to a community. Purging
// the community purges these too.
type CommunityImage struct {
	Id          uuid.UUID
	CommunityId uuid.UUID
	Url         string
	CreatedAt   time.Time
}
