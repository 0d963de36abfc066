package activitypub

import (
	"testing"

	"github.com/Nothing4You/lemmy/domain"
)

func TestDecideVoteDefaultSiteAppliesEverything(t *testing.T) {
	site := domain.DefaultLocalSite()

	for _, kind := range []domain.ObjectKind{domain.ObjectPost, domain.ObjectComment} {
		for _, score := range []int16{1, -1} {
			if got := DecideVote(site, kind, score); got != VoteApply {
				t.Errorf("Expected Apply for %s score %d on default site, got %s", kind, score, got)
			}
		}
	}
}

func TestDecideVotePerDirectionModes(t *testing.T) {
	tests := []struct {
		name  string
		site  domain.LocalSite
		kind  domain.ObjectKind
		score int16
		want  VoteDecision
	}{
		{
			name: "post upvote with downvotes disabled",
			site: domain.LocalSite{
				PostUpvotes:      domain.FederationModeAll,
				PostDownvotes:    domain.FederationModeDisabled,
				CommentUpvotes:   domain.FederationModeAll,
				CommentDownvotes: domain.FederationModeAll,
			},
			kind:  domain.ObjectPost,
			score: 1,
			want:  VoteApply,
		},
		{
			name: "post downvote with downvotes disabled",
			site: domain.LocalSite{
				PostUpvotes:      domain.FederationModeAll,
				PostDownvotes:    domain.FederationModeDisabled,
				CommentUpvotes:   domain.FederationModeAll,
				CommentDownvotes: domain.FederationModeAll,
			},
			kind:  domain.ObjectPost,
			score: -1,
			want:  VoteRejectAndUndo,
		},
		{
			name: "post downvote with downvotes local only",
			site: domain.LocalSite{
				PostUpvotes:      domain.FederationModeAll,
				PostDownvotes:    domain.FederationModeLocalOnly,
				CommentUpvotes:   domain.FederationModeAll,
				CommentDownvotes: domain.FederationModeAll,
			},
			kind:  domain.ObjectPost,
			score: -1,
			want:  VoteRejectAndUndo,
		},
		{
			name: "comment upvote with comment upvotes local only",
			site: domain.LocalSite{
				PostUpvotes:      domain.FederationModeAll,
				PostDownvotes:    domain.FederationModeAll,
				CommentUpvotes:   domain.FederationModeLocalOnly,
				CommentDownvotes: domain.FederationModeAll,
			},
			kind:  domain.ObjectComment,
			score: 1,
			want:  VoteRejectAndUndo,
		},
		{
			name: "comment downvote unaffected by post modes",
			site: domain.LocalSite{
				PostUpvotes:      domain.FederationModeDisabled,
				PostDownvotes:    domain.FederationModeDisabled,
				CommentUpvotes:   domain.FederationModeAll,
				CommentDownvotes: domain.FederationModeAll,
			},
			kind:  domain.ObjectComment,
			score: -1,
			want:  VoteApply,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecideVote(tt.site, tt.kind, tt.score); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDecideVoteZeroScoreCountsAsDownvote(t *testing.T) {
	site := domain.DefaultLocalSite()
	site.PostDownvotes = domain.FederationModeDisabled

	if got := DecideVote(site, domain.ObjectPost, 0); got != VoteRejectAndUndo {
		t.Errorf("Expected RejectAndUndo for score 0, got %s", got)
	}
}
