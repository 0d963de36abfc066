package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Nothing4You/lemmy/db"
	"github.com/Nothing4You/lemmy/domain"
	"github.com/Nothing4You/lemmy/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	testLocalDomain  = "voyager.example"
	testRemoteDomain = "enterprise.example"
)

// fakeTransport serves documents from memory and records deliveries, so no
// test ever touches the network.
type fakeTransport struct {
	mu         sync.Mutex
	documents  map[string][]byte
	webfingers map[string][]byte
	deliverErr map[string]error
	delivered  []fakeDelivery
}

type fakeDelivery struct {
	inboxURI string
	keyId    string
	body     []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		documents:  make(map[string][]byte),
		webfingers: make(map[string][]byte),
		deliverErr: make(map[string]error),
	}
}

func (ft *fakeTransport) addDocument(iri string, v interface{}) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.documents[iri] = mustMarshal(v)
}

func (ft *fakeTransport) Dereference(ctx context.Context, iri string) ([]byte, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	body, ok := ft.documents[iri]
	if !ok {
		return nil, fmt.Errorf("no document at %s", iri)
	}
	return body, nil
}

func (ft *fakeTransport) WebFinger(ctx context.Context, host, resource string) ([]byte, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	body, ok := ft.webfingers[host+" "+resource]
	if !ok {
		return nil, fmt.Errorf("no webfinger record for %s on %s", resource, host)
	}
	return body, nil
}

func (ft *fakeTransport) Deliver(ctx context.Context, inboxURI string, activity []byte, key *rsa.PrivateKey, keyId string) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if err := ft.deliverErr[inboxURI]; err != nil {
		return err
	}
	ft.delivered = append(ft.delivered, fakeDelivery{inboxURI: inboxURI, keyId: keyId, body: activity})
	return nil
}

func (ft *fakeTransport) deliveries() []fakeDelivery {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]fakeDelivery, len(ft.delivered))
	copy(out, ft.delivered)
	return out
}

type testEnv struct {
	db        *db.DB
	transport *fakeTransport
	conf      *util.AppConfig
	fetcher   *Fetcher
	pipeline  *Pipeline
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "federation.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	conf := &util.AppConfig{}
	conf.Conf.Domain = testLocalDomain
	conf.Conf.QueueSize = 8

	transport := newFakeTransport()
	fetcher := NewFetcher(database, transport, conf, nil, zap.NewNop())
	pipeline := NewPipeline(database, fetcher, NewVerifier(database), nil, zap.NewNop())

	return &testEnv{db: database, transport: transport, conf: conf, fetcher: fetcher, pipeline: pipeline}
}

func createRemotePerson(t *testing.T, env *testEnv, username string) *domain.Person {
	t.Helper()
	p := &domain.Person{
		Username:      username,
		Domain:        testRemoteDomain,
		ActorURI:      fmt.Sprintf("https://%s/u/%s", testRemoteDomain, username),
		InboxURI:      fmt.Sprintf("https://%s/u/%s/inbox", testRemoteDomain, username),
		PublicKeyPem:  "remote-public-key",
		LastFetchedAt: time.Now(),
	}
	if err := env.db.CreatePerson(context.Background(), p); err != nil {
		t.Fatalf("Failed to create person %s: %v", username, err)
	}
	return p
}

func createLocalPerson(t *testing.T, env *testEnv, username string) *domain.Person {
	t.Helper()
	p := &domain.Person{
		Username:     username,
		Domain:       testLocalDomain,
		ActorURI:     fmt.Sprintf("https://%s/u/%s", testLocalDomain, username),
		InboxURI:     fmt.Sprintf("https://%s/u/%s/inbox", testLocalDomain, username),
		PublicKeyPem: "local-public-key",
		Local:        true,
	}
	if err := env.db.CreatePerson(context.Background(), p); err != nil {
		t.Fatalf("Failed to create person %s: %v", username, err)
	}
	return p
}

func createLocalCommunity(t *testing.T, env *testEnv, name string) *domain.Community {
	t.Helper()
	c := &domain.Community{
		Name:     name,
		Title:    name,
		Domain:   testLocalDomain,
		ActorURI: fmt.Sprintf("https://%s/c/%s", testLocalDomain, name),
		InboxURI: fmt.Sprintf("https://%s/c/%s/inbox", testLocalDomain, name),
		Local:    true,
	}
	if err := env.db.CreateCommunity(context.Background(), c); err != nil {
		t.Fatalf("Failed to create community %s: %v", name, err)
	}
	return c
}

func createRemoteCommunity(t *testing.T, env *testEnv, name string) *domain.Community {
	t.Helper()
	c := &domain.Community{
		Name:          name,
		Title:         name,
		Domain:        testRemoteDomain,
		ActorURI:      fmt.Sprintf("https://%s/c/%s", testRemoteDomain, name),
		InboxURI:      fmt.Sprintf("https://%s/c/%s/inbox", testRemoteDomain, name),
		LastFetchedAt: time.Now(),
	}
	if err := env.db.CreateCommunity(context.Background(), c); err != nil {
		t.Fatalf("Failed to create community %s: %v", name, err)
	}
	return c
}

func createLocalPost(t *testing.T, env *testEnv, community *domain.Community, creator *domain.Person) *domain.Post {
	t.Helper()
	id := uuid.New()
	p := &domain.Post{
		Id:          id,
		ApId:        fmt.Sprintf("https://%s/post/%s", testLocalDomain, id),
		CommunityId: community.Id,
		CreatorId:   creator.Id,
		Name:        "A post",
		Body:        "post body",
		Local:       true,
	}
	if err := env.db.CreatePost(context.Background(), p); err != nil {
		t.Fatalf("Failed to create post: %v", err)
	}
	return p
}

func createRemotePost(t *testing.T, env *testEnv, community *domain.Community, creator *domain.Person) *domain.Post {
	t.Helper()
	id := uuid.New()
	p := &domain.Post{
		Id:          id,
		ApId:        fmt.Sprintf("https://%s/post/%s", testRemoteDomain, id),
		CommunityId: community.Id,
		CreatorId:   creator.Id,
		Name:        "A remote post",
		Body:        "remote post body",
	}
	if err := env.db.CreatePost(context.Background(), p); err != nil {
		t.Fatalf("Failed to create post: %v", err)
	}
	return p
}

func createLocalComment(t *testing.T, env *testEnv, post *domain.Post, creator *domain.Person) *domain.Comment {
	t.Helper()
	id := uuid.New()
	c := &domain.Comment{
		Id:        id,
		ApId:      fmt.Sprintf("https://%s/comment/%s", testLocalDomain, id),
		PostId:    post.Id,
		CreatorId: creator.Id,
		Content:   "a comment",
		Local:     true,
	}
	if err := env.db.CreateComment(context.Background(), c); err != nil {
		t.Fatalf("Failed to create comment: %v", err)
	}
	return c
}

func voteActivity(kind ActivityKind, actor *domain.Person, community *domain.Community, objectApId string) *Activity {
	return &Activity{
		Id:       NewActivityId(actor.Domain, kind),
		Type:     string(kind),
		Actor:    actor.ActorURI,
		Object:   json.RawMessage(mustMarshal(objectApId)),
		Audience: community.ActorURI,
	}
}

func undoActivity(inner *Activity, actor *domain.Person, community *domain.Community) *Activity {
	return &Activity{
		Id:       NewActivityId(actor.Domain, KindUndo),
		Type:     string(KindUndo),
		Actor:    actor.ActorURI,
		Object:   json.RawMessage(mustMarshal(inner)),
		Audience: community.ActorURI,
	}
}

func TestReceiveLikeAppliesVote(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	outcome, err := env.pipeline.Receive(ctx, voteActivity(KindLike, actor, community, post.ApId))
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("Expected Applied, got %s", outcome)
	}

	vote, err := env.db.VoteByPersonAndObject(ctx, actor.Id, domain.ObjectPost, post.Id)
	if err != nil {
		t.Fatalf("Failed to read vote back: %v", err)
	}
	if vote.Score != 1 {
		t.Errorf("Expected score 1, got %d", vote.Score)
	}
}

func TestReceiveDislikeOnCommentApplies(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)
	comment := createLocalComment(t, env, post, creator)

	outcome, err := env.pipeline.Receive(ctx, voteActivity(KindDislike, actor, community, comment.ApId))
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("Expected Applied, got %s", outcome)
	}

	vote, err := env.db.VoteByPersonAndObject(ctx, actor.Id, domain.ObjectComment, comment.Id)
	if err != nil {
		t.Fatalf("Failed to read vote back: %v", err)
	}
	if vote.Score != -1 {
		t.Errorf("Expected score -1, got %d", vote.Score)
	}
}

func TestReceiveDuplicateActivityDiscarded(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	act := voteActivity(KindLike, actor, community, post.ApId)

	if outcome, err := env.pipeline.Receive(ctx, act); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected first delivery Applied, got %s (%v)", outcome, err)
	}
	outcome, err := env.pipeline.Receive(ctx, act)
	if err != nil {
		t.Fatalf("Second delivery failed: %v", err)
	}
	if outcome != OutcomeDiscarded {
		t.Errorf("Expected Discarded on duplicate, got %s", outcome)
	}

	score, err := env.db.ObjectScore(ctx, domain.ObjectPost, post.Id)
	if err != nil {
		t.Fatalf("Failed to read score: %v", err)
	}
	if score != 1 {
		t.Errorf("Expected score 1 after duplicate, got %d", score)
	}
}

func TestReceiveVoteChangeKeepsSingleVote(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	if outcome, err := env.pipeline.Receive(ctx, voteActivity(KindLike, actor, community, post.ApId)); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Like Applied, got %s (%v)", outcome, err)
	}
	if outcome, err := env.pipeline.Receive(ctx, voteActivity(KindDislike, actor, community, post.ApId)); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Dislike Applied, got %s (%v)", outcome, err)
	}

	// The second vote replaced the first instead of stacking
	score, err := env.db.ObjectScore(ctx, domain.ObjectPost, post.Id)
	if err != nil {
		t.Fatalf("Failed to read score: %v", err)
	}
	if score != -1 {
		t.Errorf("Expected score -1 after vote change, got %d", score)
	}
}

func TestReceiveDislikeUndoneByFederationMode(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	if outcome, err := env.pipeline.Receive(ctx, voteActivity(KindLike, actor, community, post.ApId)); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Like Applied, got %s (%v)", outcome, err)
	}

	// Policy changes take effect immediately, no restart involved
	site := domain.DefaultLocalSite()
	site.PostDownvotes = domain.FederationModeLocalOnly
	if err := env.db.SaveLocalSite(ctx, site); err != nil {
		t.Fatalf("Failed to save site settings: %v", err)
	}

	outcome, err := env.pipeline.Receive(ctx, voteActivity(KindDislike, actor, community, post.ApId))
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if outcome != OutcomeUndoApplied {
		t.Errorf("Expected UndoApplied, got %s", outcome)
	}

	// The rejected dislike also forced the earlier upvote out
	if _, err := env.db.VoteByPersonAndObject(ctx, actor.Id, domain.ObjectPost, post.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected vote to be removed, got err %v", err)
	}
}

func TestReceiveBannedActorRejectedBeforeDedup(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "lore")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	ban := &domain.CommunityBan{CommunityId: community.Id, PersonId: actor.Id, Reason: "conduct"}
	if err := env.db.CreateCommunityBan(ctx, ban); err != nil {
		t.Fatalf("Failed to create ban: %v", err)
	}

	act := voteActivity(KindLike, actor, community, post.ApId)
	outcome, err := env.pipeline.Receive(ctx, act)
	if outcome != OutcomeRejected {
		t.Errorf("Expected Rejected, got %s", outcome)
	}
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized, got %v", err)
	}
	if _, err := env.db.VoteByPersonAndObject(ctx, actor.Id, domain.ObjectPost, post.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected no vote, got err %v", err)
	}

	// The rejection happened before dedup admission, so the same activity
	// can be processed once the ban is lifted
	if err := env.db.DeleteCommunityBan(ctx, community.Id, actor.Id); err != nil {
		t.Fatalf("Failed to lift ban: %v", err)
	}
	outcome, err = env.pipeline.Receive(ctx, act)
	if err != nil {
		t.Fatalf("Receive after unban failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("Expected Applied after unban, got %s", outcome)
	}
}

func TestReceiveBotActorRejected(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "autoposter")
	actor.BotAccount = true
	if err := env.db.RefreshPerson(ctx, actor); err != nil {
		t.Fatalf("Failed to flag bot account: %v", err)
	}
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	act := voteActivity(KindLike, actor, community, post.ApId)
	outcome, err := env.pipeline.Receive(ctx, act)
	if outcome != OutcomeRejected {
		t.Errorf("Expected Rejected, got %s", outcome)
	}
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized, got %v", err)
	}
	if _, err := env.db.VoteByPersonAndObject(ctx, actor.Id, domain.ObjectPost, post.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected no vote, got err %v", err)
	}

	// The id was admitted to the dedup ledger before the bot check, so a
	// retry is a duplicate
	outcome, err = env.pipeline.Receive(ctx, act)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if outcome != OutcomeDiscarded {
		t.Errorf("Expected Discarded on retry, got %s", outcome)
	}
}

func TestReceiveDomainMismatchRejected(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	act := voteActivity(KindLike, actor, community, post.ApId)
	act.Id = "https://other.example/activities/like/" + uuid.New().String()

	outcome, err := env.pipeline.Receive(ctx, act)
	if outcome != OutcomeRejected {
		t.Errorf("Expected Rejected, got %s", outcome)
	}
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized, got %v", err)
	}
}

func TestReceiveVoteWithoutAudienceFails(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	act := voteActivity(KindLike, actor, community, post.ApId)
	act.Audience = ""

	outcome, err := env.pipeline.Receive(ctx, act)
	if outcome != OutcomeFailed {
		t.Errorf("Expected Failed, got %s", outcome)
	}
	if err == nil {
		t.Error("Expected error for missing audience")
	}
}

func TestReceiveVoteScopeMismatchRejected(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	communityA := createLocalCommunity(t, env, "starships")
	communityB := createLocalCommunity(t, env, "warpcores")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, communityA, creator)

	// Declared scope is B, but the post lives in A
	outcome, err := env.pipeline.Receive(ctx, voteActivity(KindLike, actor, communityB, post.ApId))
	if outcome != OutcomeRejected {
		t.Errorf("Expected Rejected, got %s", outcome)
	}
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized, got %v", err)
	}
	if _, err := env.db.VoteByPersonAndObject(ctx, actor.Id, domain.ObjectPost, post.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected no vote, got err %v", err)
	}
}

func TestReceiveUndoRemovesVote(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	like := voteActivity(KindLike, actor, community, post.ApId)
	if outcome, err := env.pipeline.Receive(ctx, like); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Like Applied, got %s (%v)", outcome, err)
	}

	outcome, err := env.pipeline.Receive(ctx, undoActivity(like, actor, community))
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if outcome != OutcomeUndoApplied {
		t.Errorf("Expected UndoApplied, got %s", outcome)
	}
	if _, err := env.db.VoteByPersonAndObject(ctx, actor.Id, domain.ObjectPost, post.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected vote to be removed, got err %v", err)
	}
}

func TestReceiveUndoWithoutVoteStillSucceeds(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	like := voteActivity(KindLike, actor, community, post.ApId)
	outcome, err := env.pipeline.Receive(ctx, undoActivity(like, actor, community))
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if outcome != OutcomeUndoApplied {
		t.Errorf("Expected UndoApplied for missing vote, got %s", outcome)
	}
}

func TestReceiveUndoOfOtherActorsVoteRejected(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	voter := createRemotePerson(t, env, "picard")
	impostor := createRemotePerson(t, env, "lore")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	like := voteActivity(KindLike, voter, community, post.ApId)
	if outcome, err := env.pipeline.Receive(ctx, like); err != nil || outcome != OutcomeApplied {
		t.Fatalf("Expected Like Applied, got %s (%v)", outcome, err)
	}

	outcome, err := env.pipeline.Receive(ctx, undoActivity(like, impostor, community))
	if outcome != OutcomeRejected {
		t.Errorf("Expected Rejected, got %s", outcome)
	}
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized, got %v", err)
	}

	// The original vote survives
	if _, err := env.db.VoteByPersonAndObject(ctx, voter.Id, domain.ObjectPost, post.Id); err != nil {
		t.Errorf("Expected vote to survive, got err %v", err)
	}
}

func TestReceiveRemovePostByModerator(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	mod := createRemotePerson(t, env, "worf")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	if err := env.db.CreateCommunityModerator(ctx, community.Id, mod.Id); err != nil {
		t.Fatalf("Failed to create moderator: %v", err)
	}

	act := &Activity{
		Id:       NewActivityId(mod.Domain, KindRemove),
		Type:     string(KindRemove),
		Actor:    mod.ActorURI,
		Object:   json.RawMessage(mustMarshal(post.ApId)),
		Audience: community.ActorURI,
		Summary:  "off topic",
	}
	outcome, err := env.pipeline.Receive(ctx, act)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("Expected Applied, got %s", outcome)
	}

	got, err := env.db.PostById(ctx, post.Id)
	if err != nil {
		t.Fatalf("Failed to read post back: %v", err)
	}
	if !got.Removed {
		t.Error("Expected post to be removed")
	}

	entries, err := env.db.ModRemovePostEntries(ctx, post.Id)
	if err != nil {
		t.Fatalf("Failed to read mod log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 mod log entry, got %d", len(entries))
	}
	if entries[0].Reason != "off topic" {
		t.Errorf("Expected reason 'off topic', got '%s'", entries[0].Reason)
	}
}

func TestReceiveRemoveCommentByModerator(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	mod := createRemotePerson(t, env, "worf")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)
	comment := createLocalComment(t, env, post, creator)

	if err := env.db.CreateCommunityModerator(ctx, community.Id, mod.Id); err != nil {
		t.Fatalf("Failed to create moderator: %v", err)
	}

	act := &Activity{
		Id:       NewActivityId(mod.Domain, KindRemove),
		Type:     string(KindRemove),
		Actor:    mod.ActorURI,
		Object:   json.RawMessage(mustMarshal(comment.ApId)),
		Audience: community.ActorURI,
		Summary:  "spam",
	}
	outcome, err := env.pipeline.Receive(ctx, act)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("Expected Applied, got %s", outcome)
	}

	got, err := env.db.CommentById(ctx, comment.Id)
	if err != nil {
		t.Fatalf("Failed to read comment back: %v", err)
	}
	if !got.Removed {
		t.Error("Expected comment to be removed")
	}

	entries, err := env.db.ModRemoveCommentEntries(ctx, comment.Id)
	if err != nil {
		t.Fatalf("Failed to read mod log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 mod log entry, got %d", len(entries))
	}
	if entries[0].Reason != "spam" {
		t.Errorf("Expected reason 'spam', got '%s'", entries[0].Reason)
	}
}

func TestReceiveRemoveByNonModeratorRejected(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "lore")
	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	act := &Activity{
		Id:       NewActivityId(actor.Domain, KindRemove),
		Type:     string(KindRemove),
		Actor:    actor.ActorURI,
		Object:   json.RawMessage(mustMarshal(post.ApId)),
		Audience: community.ActorURI,
	}
	outcome, err := env.pipeline.Receive(ctx, act)
	if outcome != OutcomeRejected {
		t.Errorf("Expected Rejected, got %s", outcome)
	}
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized, got %v", err)
	}

	got, err := env.db.PostById(ctx, post.Id)
	if err != nil {
		t.Fatalf("Failed to read post back: %v", err)
	}
	if got.Removed {
		t.Error("Expected post to stay up")
	}
}

func TestReceiveRemoveCommunityByHomeInstanceMod(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	// Moderator and community share their home instance, which grants
	// moderation authority even without an explicit moderator row
	mod := createRemotePerson(t, env, "worf")
	community := createRemoteCommunity(t, env, "starships")

	act := &Activity{
		Id:       NewActivityId(mod.Domain, KindRemove),
		Type:     string(KindRemove),
		Actor:    mod.ActorURI,
		Object:   json.RawMessage(mustMarshal(community.ActorURI)),
		Audience: community.ActorURI,
		Summary:  "defederated",
	}
	outcome, err := env.pipeline.Receive(ctx, act)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("Expected Applied, got %s", outcome)
	}

	got, err := env.db.CommunityById(ctx, community.Id)
	if err != nil {
		t.Fatalf("Failed to read community back: %v", err)
	}
	if !got.Removed {
		t.Error("Expected community to be removed")
	}

	entries, err := env.db.ModRemoveCommunityEntries(ctx, community.Id)
	if err != nil {
		t.Fatalf("Failed to read mod log: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 mod log entry, got %d", len(entries))
	}
}

func TestReceiveUpdateEditsOwnPost(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	creator := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")
	post := createRemotePost(t, env, community, creator)

	doc := ObjectDocument{
		Id:      post.ApId,
		Type:    "Page",
		Name:    "Edited title",
		Content: "edited body",
	}
	act := &Activity{
		Id:     NewActivityId(creator.Domain, KindUpdate),
		Type:   string(KindUpdate),
		Actor:  creator.ActorURI,
		Object: json.RawMessage(mustMarshal(doc)),
	}
	outcome, err := env.pipeline.Receive(ctx, act)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("Expected Applied, got %s", outcome)
	}

	got, err := env.db.PostByApId(ctx, post.ApId)
	if err != nil {
		t.Fatalf("Failed to read post back: %v", err)
	}
	if got.Name != "Edited title" {
		t.Errorf("Expected edited title, got '%s'", got.Name)
	}
	if got.Body != "edited body" {
		t.Errorf("Expected edited body, got '%s'", got.Body)
	}
	if got.UpdatedAt == nil {
		t.Error("Expected UpdatedAt to be stamped")
	}
}

func TestReceiveUpdateByNonCreatorRejected(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	creator := createRemotePerson(t, env, "picard")
	impostor := createRemotePerson(t, env, "lore")
	community := createLocalCommunity(t, env, "starships")
	post := createRemotePost(t, env, community, creator)

	doc := ObjectDocument{Id: post.ApId, Type: "Page", Name: "Hijacked"}
	act := &Activity{
		Id:     NewActivityId(impostor.Domain, KindUpdate),
		Type:   string(KindUpdate),
		Actor:  impostor.ActorURI,
		Object: json.RawMessage(mustMarshal(doc)),
	}
	outcome, err := env.pipeline.Receive(ctx, act)
	if outcome != OutcomeRejected {
		t.Errorf("Expected Rejected, got %s", outcome)
	}
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized, got %v", err)
	}

	got, err := env.db.PostByApId(ctx, post.ApId)
	if err != nil {
		t.Fatalf("Failed to read post back: %v", err)
	}
	if got.Name == "Hijacked" {
		t.Error("Expected title to be unchanged")
	}
}

func TestReceiveDeleteOwnPost(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	creator := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")
	post := createRemotePost(t, env, community, creator)

	act := &Activity{
		Id:     NewActivityId(creator.Domain, KindDelete),
		Type:   string(KindDelete),
		Actor:  creator.ActorURI,
		Object: json.RawMessage(mustMarshal(post.ApId)),
	}
	outcome, err := env.pipeline.Receive(ctx, act)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("Expected Applied, got %s", outcome)
	}

	got, err := env.db.PostByApId(ctx, post.ApId)
	if err != nil {
		t.Fatalf("Failed to read post back: %v", err)
	}
	if !got.Deleted {
		t.Error("Expected post to be deleted")
	}
}

func TestReceiveFailedActivityNotReadmitted(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")

	// The voted object is unknown locally and the transport has no
	// document for it, so the apply step fails
	act := voteActivity(KindLike, actor, community, "https://enterprise.example/post/missing")
	outcome, err := env.pipeline.Receive(ctx, act)
	if outcome != OutcomeFailed {
		t.Errorf("Expected Failed, got %s", outcome)
	}
	if err == nil {
		t.Error("Expected error for missing object")
	}

	// Dedup admission happened before the failure and is permanent
	outcome, err = env.pipeline.Receive(ctx, act)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if outcome != OutcomeDiscarded {
		t.Errorf("Expected Discarded on retry, got %s", outcome)
	}
}

func TestReceiveLikeFetchesUnknownObject(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	community := createLocalCommunity(t, env, "starships")

	postURI := fmt.Sprintf("https://%s/post/%s", testRemoteDomain, uuid.New())
	env.transport.addDocument(postURI, ObjectDocument{
		Id:           postURI,
		Type:         "Page",
		AttributedTo: actor.ActorURI,
		Audience:     community.ActorURI,
		Name:         "Fetched post",
	})

	outcome, err := env.pipeline.Receive(ctx, voteActivity(KindLike, actor, community, postURI))
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("Expected Applied, got %s", outcome)
	}

	post, err := env.db.PostByApId(ctx, postURI)
	if err != nil {
		t.Fatalf("Expected fetched post to be stored: %v", err)
	}
	vote, err := env.db.VoteByPersonAndObject(ctx, actor.Id, domain.ObjectPost, post.Id)
	if err != nil {
		t.Fatalf("Failed to read vote back: %v", err)
	}
	if vote.Score != 1 {
		t.Errorf("Expected score 1, got %d", vote.Score)
	}
}

func TestReceiveUnknownTypeFails(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actor := createRemotePerson(t, env, "picard")
	act := &Activity{
		Id:    NewActivityId(actor.Domain, "Announce"),
		Type:  "Announce",
		Actor: actor.ActorURI,
	}
	outcome, err := env.pipeline.Receive(ctx, act)
	if outcome != OutcomeFailed {
		t.Errorf("Expected Failed, got %s", outcome)
	}
	if err == nil {
		t.Error("Expected error for unsupported type")
	}
}
