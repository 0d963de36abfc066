package activitypub

import (
	"context"
	"errors"
	"sync"

	"github.com/Nothing4You/lemmy/db"
	"github.com/Nothing4You/lemmy/domain"
	"github.com/Nothing4You/lemmy/util"
	"go.uber.org/zap"
)

// ErrDispatchQueueFull is returned by Submit when the outbound queue has no
// free slot. The caller's local mutation already happened; only the
// federation side effect is dropped.
var ErrDispatchQueueFull = errors.New("dispatch queue full")

// SendActivityData describes one outbound federation side effect. The set of
// implementations is closed: the dispatcher knows how to build the wire
// activity for each.
type SendActivityData interface {
	isSendActivityData()
}

// VoteData federates a local person's vote on an object in a community.
type VoteData struct {
	Actor      *domain.Person
	Community  *domain.Community
	ObjectApId string
	Score      int16
}

func (VoteData) isSendActivityData() {}

// UndoVoteData federates the withdrawal of a previous vote. Score is the
// score of the vote being withdrawn so the embedded activity matches what
// remote instances applied.
type UndoVoteData struct {
	Actor      *domain.Person
	Community  *domain.Community
	ObjectApId string
	Score      int16
}

func (UndoVoteData) isSendActivityData() {}

// RemoveCommunityData federates an admin or moderator removing a community.
// Inboxes, when set, fixes the delivery targets at submission time; a purge
// deletes the follower rows in the same transaction, so they can no longer be
// resolved when the item is consumed.
type RemoveCommunityData struct {
	Moderator *domain.Person
	Community *domain.Community
	Reason    string
	Removed   bool
	Inboxes   []string
}

func (RemoveCommunityData) isSendActivityData() {}

// Dispatcher queues outbound activities and delivers them in the background.
// Submit never blocks: a full queue rejects new work instead of stalling the
// caller. A single consumer drains the queue in submission order; the
// deliveries for one item fan out to its destinations in parallel before the
// next item starts.
type Dispatcher struct {
	db        *db.DB
	transport Transport
	conf      *util.AppConfig
	metrics   *Metrics
	log       *zap.Logger

	queue chan SendActivityData
	wg    sync.WaitGroup
}

func NewDispatcher(database *db.DB, transport Transport, conf *util.AppConfig, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := conf.Conf.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Dispatcher{
		db:        database,
		transport: transport,
		conf:      conf,
		metrics:   metrics,
		log:       logger,
		queue:     make(chan SendActivityData, size),
	}
}

// Submit hands an activity to the dispatcher and returns immediately. When
// the queue is saturated it returns ErrDispatchQueueFull and the activity is
// not sent.
func (d *Dispatcher) Submit(data SendActivityData) error {
	select {
	case d.queue <- data:
		if d.metrics != nil {
			d.metrics.QueueDepth.Inc()
		}
		return nil
	default:
		if d.metrics != nil {
			d.metrics.QueueRejected.Inc()
		}
		return ErrDispatchQueueFull
	}
}

// Start launches the consumer goroutine. It runs until ctx is cancelled;
// items still queued at that point are dropped.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-d.queue:
				if d.metrics != nil {
					d.metrics.QueueDepth.Dec()
				}
				d.dispatch(ctx, data)
			}
		}
	}()
}

// Wait blocks until the consumer goroutine has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
