package activitypub

import (
	"github.com/Nothing4You/lemmy/domain"
)

// VoteDecision is the vote policy verdict for one federated vote.
type VoteDecision int

const (
	// VoteApply records the vote.
	VoteApply VoteDecision = iota
	// VoteRejectAndUndo refuses the vote and additionally deletes any
	// earlier vote by the same actor on the same object. A rejected vote
	// must still resolve to a definite local state, so it is undone rather
	// than ignored.
	VoteRejectAndUndo
)

func (d VoteDecision) String() string {
	if d == VoteApply {
		return "Apply"
	}
	return "RejectAndUndo"
}

// DecideVote evaluates a federated vote against the instance's federation
// modes for the object's kind. Score > 0 is an upvote, anything else a
// downvote. Only a mode of All accepts remote votes; LocalOnly and Disabled
// both reject them. The site settings are read fresh by the caller for every
// decision because administrators change them at runtime.
func DecideVote(site domain.LocalSite, kind domain.ObjectKind, score int16) VoteDecision {
	up, down := site.VoteModes(kind)
	mode := up
	if score <= 0 {
		mode = down
	}
	if mode != domain.FederationModeAll {
		return VoteRejectAndUndo
	}
	return VoteApply
}
