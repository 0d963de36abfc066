package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Nothing4You/lemmy/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxParallelDeliveries bounds the fan-out for a single queue item.
const maxParallelDeliveries = 8

const deliveryTimeout = 30 * time.Second

// dispatch builds the wire form of one queue item and delivers it to every
// destination in parallel. Failed deliveries are logged and abandoned;
// remote instances reconcile when they next fetch the object.
func (d *Dispatcher) dispatch(ctx context.Context, data SendActivityData) {
	var (
		act       *Activity
		actor     *domain.Person
		community *domain.Community
		inboxes   []string
	)
	switch v := data.(type) {
	case VoteData:
		act = d.buildVote(v.Actor, v.Community, v.ObjectApId, v.Score)
		actor, community = v.Actor, v.Community
	case UndoVoteData:
		act = d.buildUndoVote(v)
		actor, community = v.Actor, v.Community
	case RemoveCommunityData:
		act = d.buildRemoveCommunity(v)
		actor, community = v.Moderator, v.Community
		inboxes = v.Inboxes
	default:
		d.log.Warn("unhandled outbound activity data", zap.String("type", fmt.Sprintf("%T", data)))
		return
	}

	if actor.PrivateKeyPem == "" {
		d.log.Warn("cannot sign outbound activity, actor has no private key",
			zap.String("actor", actor.ActorURI))
		return
	}
	key, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		d.log.Warn("failed to parse actor private key",
			zap.String("actor", actor.ActorURI),
			zap.Error(err))
		return
	}

	if inboxes == nil {
		inboxes, err = d.destinations(ctx, community)
		if err != nil {
			d.log.Warn("failed to compute delivery destinations",
				zap.String("community", community.ActorURI),
				zap.Error(err))
			return
		}
	}
	if len(inboxes) == 0 {
		d.log.Debug("no destinations for outbound activity", zap.String("id", act.Id))
		return
	}

	d.deliverAll(ctx, act, key, KeyId(actor.ActorURI), inboxes)
}

// destinations computes the inboxes one activity goes to. Activities in a
// local community fan out to every remote follower; activities in a remote
// community go to that community's inbox, and its home instance announces
// them onward.
func (d *Dispatcher) destinations(ctx context.Context, community *domain.Community) ([]string, error) {
	if community.Local {
		return d.db.CommunityFollowerInboxes(ctx, community.Id)
	}
	return []string{community.InboxURI}, nil
}

func (d *Dispatcher) deliverAll(ctx context.Context, act *Activity, key *rsa.PrivateKey, keyId string, inboxes []string) {
	body := mustMarshal(act)

	var g errgroup.Group
	g.SetLimit(maxParallelDeliveries)
	for _, inbox := range inboxes {
		inbox := inbox
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
			defer cancel()
			if err := d.transport.Deliver(dctx, inbox, body, key, keyId); err != nil {
				d.countDelivery("error")
				d.log.Warn("delivery failed",
					zap.String("inbox", inbox),
					zap.String("activity", act.Id),
					zap.Error(err))
				return nil
			}
			d.countDelivery("ok")
			d.log.Debug("delivered activity",
				zap.String("inbox", inbox),
				zap.String("activity", act.Id))
			return nil
		})
	}
	g.Wait()
}

func (d *Dispatcher) buildVote(actor *domain.Person, community *domain.Community, objectApId string, score int16) *Activity {
	kind := KindLike
	if score < 0 {
		kind = KindDislike
	}
	return &Activity{
		Context:  ActivityContext,
		Id:       NewActivityId(d.conf.Conf.Domain, kind),
		Type:     string(kind),
		Actor:    actor.ActorURI,
		Object:   json.RawMessage(mustMarshal(objectApId)),
		Audience: community.ActorURI,
	}
}

func (d *Dispatcher) buildUndoVote(v UndoVoteData) *Activity {
	inner := d.buildVote(v.Actor, v.Community, v.ObjectApId, v.Score)
	inner.Context = nil // context lives on the outer activity
	return &Activity{
		Context:  ActivityContext,
		Id:       NewActivityId(d.conf.Conf.Domain, KindUndo),
		Type:     string(KindUndo),
		Actor:    v.Actor.ActorURI,
		Object:   json.RawMessage(mustMarshal(inner)),
		Audience: v.Community.ActorURI,
	}
}

func (d *Dispatcher) buildRemoveCommunity(v RemoveCommunityData) *Activity {
	remove := &Activity{
		Id:       NewActivityId(d.conf.Conf.Domain, KindRemove),
		Type:     string(KindRemove),
		Actor:    v.Moderator.ActorURI,
		Object:   json.RawMessage(mustMarshal(v.Community.ActorURI)),
		Audience: v.Community.ActorURI,
		Summary:  v.Reason,
		To:       []string{PublicAudience},
		Cc:       []string{v.Community.ActorURI},
	}
	if v.Removed {
		remove.Context = ActivityContext
		return remove
	}
	// Restoring is the undo of the removal
	return &Activity{
		Context:  ActivityContext,
		Id:       NewActivityId(d.conf.Conf.Domain, KindUndo),
		Type:     string(KindUndo),
		Actor:    v.Moderator.ActorURI,
		Object:   json.RawMessage(mustMarshal(remove)),
		Audience: v.Community.ActorURI,
		To:       []string{PublicAudience},
		Cc:       []string{v.Community.ActorURI},
	}
}

func (d *Dispatcher) countDelivery(result string) {
	if d.metrics != nil {
		d.metrics.DeliveriesSent.WithLabelValues(result).Inc()
	}
}
