package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Nothing4You/lemmy/db"
	"github.com/Nothing4You/lemmy/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome is the terminal state of one inbound activity.
type Outcome int

const (
	// OutcomeApplied means the activity's effect was recorded.
	OutcomeApplied Outcome = iota
	// OutcomeUndoApplied means a vote was removed, either by an explicit
	// Undo or because vote policy rejected the vote and forced it out.
	OutcomeUndoApplied
	// OutcomeRejected means the actor lacked authority or eligibility. The
	// accompanying error wraps ErrNotAuthorized.
	OutcomeRejected
	// OutcomeDiscarded means the activity was already processed earlier and
	// nothing was done.
	OutcomeDiscarded
	// OutcomeFailed means a step failed before the activity could reach a
	// terminal effect.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "Applied"
	case OutcomeUndoApplied:
		return "UndoApplied"
	case OutcomeRejected:
		return "Rejected"
	case OutcomeDiscarded:
		return "Discarded"
	default:
		return "Failed"
	}
}

// Pipeline processes inbound activities: authority check, dedup,
// dereference, eligibility, then the kind-specific mutation. Steps for one
// activity run strictly in order; nothing mutates object state before the
// dedup ledger accepted the activity id.
type Pipeline struct {
	db       *db.DB
	fetcher  *Fetcher
	verifier *Verifier
	metrics  *Metrics
	log      *zap.Logger
}

func NewPipeline(database *db.DB, fetcher *Fetcher, verifier *Verifier, metrics *Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{db: database, fetcher: fetcher, verifier: verifier, metrics: metrics, log: logger}
}

// Receive runs one activity through the pipeline and reports its terminal
// outcome. Rejected outcomes carry an error wrapping ErrNotAuthorized,
// Failed outcomes carry the cause; Applied, UndoApplied and Discarded come
// with a nil error.
//
// A duplicate delivery is discarded permanently: the dedup ledger accepted
// the id on the first delivery, so even if processing after that point
// failed, a retry of the same id is not re-admitted. Retries are the
// sender's transport concern, not the pipeline's.
func (p *Pipeline) Receive(ctx context.Context, act *Activity) (Outcome, error) {
	kind, ok := ParseKind(act.Type)
	if !ok {
		return p.finish(act, OutcomeFailed, fmt.Errorf("unsupported activity type %q", act.Type))
	}

	// An instance may only issue activities under its own domain
	if err := VerifyDomainsMatch(act.Id, act.Actor); err != nil {
		return p.finish(act, OutcomeRejected, err)
	}

	actor, err := p.fetcher.GetOrFetchPerson(ctx, act.Actor)
	if err != nil {
		return p.finish(act, OutcomeFailed, err)
	}

	// Authority over the declared scope comes before anything else
	var community *domain.Community
	if act.Audience != "" {
		community, err = p.fetcher.GetOrFetchCommunity(ctx, act.Audience)
		if err != nil {
			return p.finish(act, OutcomeFailed, err)
		}
		if err := p.verifier.VerifyPersonInCommunity(ctx, actor, community); err != nil {
			outcome, rerr := rejectedOrFailed(err)
			return p.finish(act, outcome, rerr)
		}
	} else if kind == KindLike || kind == KindDislike || kind == KindUndo || kind == KindRemove {
		return p.finish(act, OutcomeFailed, fmt.Errorf("%s activity %s declares no audience", kind, act.Id))
	}

	// Dedup before any side effect
	inserted, err := p.db.InsertReceivedActivity(ctx, act.Id)
	if err != nil {
		return p.finish(act, OutcomeFailed, err)
	}
	if !inserted {
		return p.finish(act, OutcomeDiscarded, nil)
	}

	if err := CheckBotAccount(actor); err != nil {
		return p.finish(act, OutcomeRejected, err)
	}

	var outcome Outcome
	switch kind {
	case KindLike:
		outcome, err = p.applyVote(ctx, actor, community, act, 1)
	case KindDislike:
		outcome, err = p.applyVote(ctx, actor, community, act, -1)
	case KindUndo:
		outcome, err = p.applyUndo(ctx, actor, community, act)
	case KindRemove:
		outcome, err = p.applyRemove(ctx, actor, community, act)
	case KindUpdate:
		outcome, err = p.applyUpdate(ctx, actor, act)
	case KindDelete:
		outcome, err = p.applyDelete(ctx, actor, act)
	}
	return p.finish(act, outcome, err)
}

// applyVote dereferences the votable object, consults vote policy against a
// fresh site settings read, then either upserts or undoes the actor's vote.
func (p *Pipeline) applyVote(ctx context.Context, actor *domain.Person, community *domain.Community, act *Activity, score int16) (Outcome, error) {
	objURI := act.ObjectId()
	if objURI == "" {
		return OutcomeFailed, fmt.Errorf("vote activity %s has no object", act.Id)
	}
	obj, err := p.fetcher.GetOrFetchObject(ctx, objURI)
	if err != nil {
		return OutcomeFailed, err
	}
	if outcome, err := p.checkScope(ctx, community, obj); err != nil {
		return outcome, err
	}

	site, err := p.db.ReadLocalSite(ctx)
	if err != nil {
		return OutcomeFailed, err
	}

	switch DecideVote(site, obj.Kind, score) {
	case VoteRejectAndUndo:
		if err := p.db.DeleteVote(ctx, actor.Id, obj.Kind, obj.LocalId()); err != nil {
			return OutcomeFailed, err
		}
		p.log.Debug("vote rejected by federation mode",
			zap.String("actor", actor.ActorURI),
			zap.String("object", objURI),
			zap.Int16("score", score))
		return OutcomeUndoApplied, nil
	default:
		vote := &domain.Vote{
			PersonId:   actor.Id,
			ObjectKind: obj.Kind,
			ObjectId:   obj.LocalId(),
			Score:      score,
		}
		if err := p.db.UpsertVote(ctx, vote); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	}
}

// applyUndo handles Undo of a Like or Dislike: the actor withdraws their own
// vote. Undoing a vote that does not exist is a no-op, not an error.
func (p *Pipeline) applyUndo(ctx context.Context, actor *domain.Person, community *domain.Community, act *Activity) (Outcome, error) {
	inner, err := act.EmbeddedActivity()
	if err != nil {
		return OutcomeFailed, err
	}
	innerKind, ok := ParseKind(inner.Type)
	if !ok || (innerKind != KindLike && innerKind != KindDislike) {
		return OutcomeFailed, fmt.Errorf("undo of %q is not supported", inner.Type)
	}
	// An actor may only undo their own activities
	if inner.Actor != "" && inner.Actor != act.Actor {
		return OutcomeRejected, fmt.Errorf("%w: undo by %s of an activity by %s", ErrNotAuthorized, act.Actor, inner.Actor)
	}

	objURI := inner.ObjectId()
	if objURI == "" {
		return OutcomeFailed, fmt.Errorf("undo activity %s names no object", act.Id)
	}
	obj, err := p.fetcher.GetOrFetchObject(ctx, objURI)
	if err != nil {
		return OutcomeFailed, err
	}
	if outcome, err := p.checkScope(ctx, community, obj); err != nil {
		return outcome, err
	}

	if err := p.db.DeleteVote(ctx, actor.Id, obj.Kind, obj.LocalId()); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeUndoApplied, nil
}

// applyRemove is a moderator action against a community, post or comment in
// the declared community. It flips the removed flag and leaves a mod log
// row.
func (p *Pipeline) applyRemove(ctx context.Context, actor *domain.Person, community *domain.Community, act *Activity) (Outcome, error) {
	objURI := act.ObjectId()
	if objURI == "" {
		return OutcomeFailed, fmt.Errorf("remove activity %s has no object", act.Id)
	}
	reason := act.Summary

	if objURI == community.ActorURI {
		if err := p.verifier.VerifyModAction(ctx, actor, community); err != nil {
			return rejectedOrFailed(err)
		}
		if err := p.db.SetCommunityState(ctx, community.Id, true, community.Deleted); err != nil {
			return OutcomeFailed, err
		}
		entry := &domain.ModRemoveCommunity{ModPersonId: actor.Id, CommunityId: community.Id, Reason: reason, Removed: true}
		if err := p.db.CreateModRemoveCommunity(ctx, entry); err != nil {
			return OutcomeFailed, err
		}
		p.log.Info("community removed by federated mod action",
			zap.String("community", community.ActorURI),
			zap.String("moderator", actor.ActorURI))
		return OutcomeApplied, nil
	}

	if post, err := p.db.PostByApId(ctx, objURI); err == nil {
		if post.CommunityId != community.Id {
			return OutcomeRejected, fmt.Errorf("%w: post %s is not in %s", ErrNotAuthorized, objURI, community.ActorURI)
		}
		if err := p.verifier.VerifyModAction(ctx, actor, community); err != nil {
			return rejectedOrFailed(err)
		}
		if err := p.db.SetPostRemoved(ctx, post.Id, true); err != nil {
			return OutcomeFailed, err
		}
		entry := &domain.ModRemovePost{ModPersonId: actor.Id, PostId: post.Id, Reason: reason, Removed: true}
		if err := p.db.CreateModRemovePost(ctx, entry); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return OutcomeFailed, err
	}

	if comment, err := p.db.CommentByApId(ctx, objURI); err == nil {
		parent, err := p.db.PostById(ctx, comment.PostId)
		if err != nil {
			return OutcomeFailed, err
		}
		if parent.CommunityId != community.Id {
			return OutcomeRejected, fmt.Errorf("%w: comment %s is not in %s", ErrNotAuthorized, objURI, community.ActorURI)
		}
		if err := p.verifier.VerifyModAction(ctx, actor, community); err != nil {
			return rejectedOrFailed(err)
		}
		if err := p.db.SetCommentRemoved(ctx, comment.Id, true); err != nil {
			return OutcomeFailed, err
		}
		entry := &domain.ModRemoveComment{ModPersonId: actor.Id, CommentId: comment.Id, Reason: reason, Removed: true}
		if err := p.db.CreateModRemoveComment(ctx, entry); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return OutcomeFailed, err
	}

	return OutcomeFailed, fmt.Errorf("%w: remove target %s", domain.ErrNotFound, objURI)
}

// applyUpdate lets a creator edit their own post or comment. The activity
// carries the replacement object embedded.
func (p *Pipeline) applyUpdate(ctx context.Context, actor *domain.Person, act *Activity) (Outcome, error) {
	var doc ObjectDocument
	if err := json.Unmarshal(act.Object, &doc); err != nil || doc.Id == "" {
		return OutcomeFailed, fmt.Errorf("update activity %s carries no object document", act.Id)
	}

	obj, err := p.localObjectByApId(ctx, doc.Id)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := verifyIsCreator(actor, obj); err != nil {
		return OutcomeRejected, err
	}

	if obj.Post != nil {
		if doc.Name != "" {
			obj.Post.Name = doc.Name
		}
		obj.Post.Body = doc.Content
		if doc.Url != "" {
			obj.Post.Url = doc.Url
		}
		if err := p.db.UpdatePostContent(ctx, obj.Post); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	}

	obj.Comment.Content = doc.Content
	if err := p.db.UpdateCommentContent(ctx, obj.Comment); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

// applyDelete lets a creator take down their own post or comment. The
// deleted flag hides the object from everyone but admins.
func (p *Pipeline) applyDelete(ctx context.Context, actor *domain.Person, act *Activity) (Outcome, error) {
	objURI := act.ObjectId()
	if objURI == "" {
		return OutcomeFailed, fmt.Errorf("delete activity %s has no object", act.Id)
	}

	obj, err := p.localObjectByApId(ctx, objURI)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := verifyIsCreator(actor, obj); err != nil {
		return OutcomeRejected, err
	}

	if obj.Post != nil {
		if err := p.db.SetPostDeleted(ctx, obj.Post.Id, true); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	}
	if err := p.db.SetCommentDeleted(ctx, obj.Comment.Id, true); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

// localObjectByApId looks an object up in storage without any network
// dereference. Update and Delete never fetch: an object this instance has
// never seen has no state to mutate.
func (p *Pipeline) localObjectByApId(ctx context.Context, apId string) (*ResolvedObject, error) {
	post, err := p.db.PostByApId(ctx, apId)
	if err == nil {
		return &ResolvedObject{Kind: domain.ObjectPost, Post: post}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	comment, err := p.db.CommentByApId(ctx, apId)
	if err == nil {
		return &ResolvedObject{Kind: domain.ObjectComment, Comment: comment}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: object %s", domain.ErrNotFound, apId)
}

// checkScope verifies that the object actually belongs to the community the
// activity declared as its scope, otherwise the earlier authority check
// proved nothing.
func (p *Pipeline) checkScope(ctx context.Context, community *domain.Community, obj *ResolvedObject) (Outcome, error) {
	if community == nil {
		return OutcomeApplied, nil
	}
	communityId, err := p.objectCommunityId(ctx, obj)
	if err != nil {
		return OutcomeFailed, err
	}
	if communityId != community.Id {
		return OutcomeRejected, fmt.Errorf("%w: object %s is not in declared scope %s", ErrNotAuthorized, obj.ApId(), community.ActorURI)
	}
	return OutcomeApplied, nil
}

func (p *Pipeline) objectCommunityId(ctx context.Context, obj *ResolvedObject) (uuid.UUID, error) {
	if obj.Post != nil {
		return obj.Post.CommunityId, nil
	}
	parent, err := p.db.PostById(ctx, obj.Comment.PostId)
	if err != nil {
		return uuid.Nil, err
	}
	return parent.CommunityId, nil
}

func rejectedOrFailed(err error) (Outcome, error) {
	if errors.Is(err, ErrNotAuthorized) {
		return OutcomeRejected, err
	}
	return OutcomeFailed, err
}

func (p *Pipeline) finish(act *Activity, outcome Outcome, err error) (Outcome, error) {
	if p.metrics != nil {
		p.metrics.InboundActivities.WithLabelValues(act.Type, outcome.String()).Inc()
	}
	switch {
	case err != nil && outcome == OutcomeFailed:
		p.log.Warn("inbound activity failed",
			zap.String("id", act.Id),
			zap.String("type", act.Type),
			zap.Error(err))
	case err != nil:
		p.log.Info("inbound activity rejected",
			zap.String("id", act.Id),
			zap.String("type", act.Type),
			zap.Error(err))
	default:
		p.log.Debug("inbound activity processed",
			zap.String("id", act.Id),
			zap.String("type", act.Type),
			zap.String("outcome", outcome.String()))
	}
	return outcome, err
}
