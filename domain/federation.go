package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned by storage reads when no row matches. Callers use
// errors.Is; the HTTP layer maps it to a 404 without storage details.
var ErrNotFound = errors.New("not found")

// FederationMode is the per-direction vote federation policy:
//
//	All       — accept votes from local and remote actors
//	LocalOnly — accept votes from this instance only
//	Disabled  — accept no votes of this direction at all
//
// Anything but All causes a remote vote to be rejected and undone.
type FederationMode string

const (
	FederationModeAll       FederationMode = "All"
	FederationModeLocalOnly FederationMode = "LocalOnly"
	FederationModeDisabled  FederationMode = "Disabled"
)

func (m FederationMode) Valid() bool {
	switch m {
	case FederationModeAll, FederationModeLocalOnly, FederationModeDisabled:
		return true
	}
	return false
}

// LocalSite is the admin-mutable site-wide policy. It must be read fresh for
// every decision; callers never cache it across requests.
type LocalSite struct {
	PrivateInstance  bool
	PostUpvotes      FederationMode
	PostDownvotes    FederationMode
	CommentUpvotes   FederationMode
	CommentDownvotes FederationMode
}

// DefaultLocalSite is the policy in effect when no site row exists yet:
// every vote direction federates and the instance is public.
func DefaultLocalSite() LocalSite {
	return LocalSite{
		PrivateInstance:  false,
		PostUpvotes:      FederationModeAll,
		PostDownvotes:    FederationModeAll,
		CommentUpvotes:   FederationModeAll,
		CommentDownvotes: FederationModeAll,
	}
}

// VoteModes returns the (upvote, downvote) federation modes configured for
// the given object kind.
func (s LocalSite) VoteModes(kind ObjectKind) (FederationMode, FederationMode) {
	if kind == ObjectComment {
		return s.CommentUpvotes, s.CommentDownvotes
	}
	return s.PostUpvotes, s.PostDownvotes
}

// ReceivedActivity is a dedup ledger row. Its ap_id is the primary key;
// inserting it a second time fails, which is how duplicates are detected.
type ReceivedActivity struct {
	ApId       string
	ReceivedAt time.Time
}
