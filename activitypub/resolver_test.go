package activitypub

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Nothing4You/lemmy/domain"
	"go.uber.org/zap"
)

func newTestResolver(env *testEnv) *Resolver {
	return NewResolver(env.db, env.fetcher, env.conf, zap.NewNop())
}

func remoteActorDoc(actorURI, username, kind string) ActorDocument {
	return ActorDocument{
		Context:           ActivityContext,
		Id:                actorURI,
		Type:              kind,
		PreferredUsername: username,
		Name:              username,
		Inbox:             actorURI + "/inbox",
		PublicKey: ActorPublicKey{
			Id:           KeyId(actorURI),
			Owner:        actorURI,
			PublicKeyPem: "remote-public-key",
		},
	}
}

func TestResolveLocalPostByURL(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	res, err := newTestResolver(env).Resolve(ctx, post.ApId, Caller{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Post == nil || res.Post.Id != post.Id {
		t.Error("Expected the seeded post to resolve")
	}
}

func TestResolveLocalHandles(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	community := createLocalCommunity(t, env, "starships")
	person := createLocalPerson(t, env, "janeway")
	r := newTestResolver(env)

	res, err := r.Resolve(ctx, "@janeway@voyager.example", Caller{})
	if err != nil {
		t.Fatalf("Resolve person handle failed: %v", err)
	}
	if res.Person == nil || res.Person.Id != person.Id {
		t.Error("Expected the local person to resolve")
	}

	res, err = r.Resolve(ctx, "!starships@voyager.example", Caller{})
	if err != nil {
		t.Fatalf("Resolve community handle failed: %v", err)
	}
	if res.Community == nil || res.Community.Id != community.Id {
		t.Error("Expected the local community to resolve")
	}
}

func TestResolveUnknownURLRequiresAuthentication(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actorURI := fmt.Sprintf("https://%s/u/data", testRemoteDomain)
	env.transport.addDocument(actorURI, remoteActorDoc(actorURI, "data", "Person"))
	r := newTestResolver(env)

	// Anonymous callers cannot trigger a network fetch
	if _, err := r.Resolve(ctx, actorURI, Caller{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for anonymous caller, got %v", err)
	}

	// An authenticated caller can
	res, err := r.Resolve(ctx, actorURI, Caller{Authenticated: true})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Person == nil || res.Person.ActorURI != actorURI {
		t.Error("Expected the remote person to resolve")
	}

	// The fetch cached the person, so anonymous lookups now succeed
	res, err = r.Resolve(ctx, actorURI, Caller{})
	if err != nil {
		t.Fatalf("Resolve of cached person failed: %v", err)
	}
	if res.Person == nil {
		t.Error("Expected the cached person to resolve")
	}
}

func TestResolveDebugModeAllowsAnonymousFetch(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.conf.Conf.Debug = true

	communityURI := fmt.Sprintf("https://%s/c/starships", testRemoteDomain)
	env.transport.addDocument(communityURI, remoteActorDoc(communityURI, "starships", "Group"))

	res, err := newTestResolver(env).Resolve(ctx, communityURI, Caller{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Community == nil || res.Community.ActorURI != communityURI {
		t.Error("Expected the remote community to resolve in debug mode")
	}
}

func TestResolveRemoteHandleViaWebFinger(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	actorURI := fmt.Sprintf("https://%s/u/data", testRemoteDomain)
	env.transport.addDocument(actorURI, remoteActorDoc(actorURI, "data", "Person"))
	env.transport.webfingers[testRemoteDomain+" acct:data@"+testRemoteDomain] = mustMarshal(map[string]interface{}{
		"subject": "acct:data@" + testRemoteDomain,
		"links": []map[string]interface{}{
			{"rel": "self", "type": "application/activity+json", "href": actorURI},
		},
	})

	res, err := newTestResolver(env).Resolve(ctx, "@data@"+testRemoteDomain, Caller{Authenticated: true})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Person == nil || res.Person.ActorURI != actorURI {
		t.Error("Expected the webfingered person to resolve")
	}
	if res.Person.Username != "data" {
		t.Errorf("Expected username 'data', got '%s'", res.Person.Username)
	}
}

func TestResolveCachedRemoteHandleWithoutNetwork(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	// Already cached, no transport documents exist at all
	person := createRemotePerson(t, env, "picard")

	res, err := newTestResolver(env).Resolve(ctx, "@picard@"+testRemoteDomain, Caller{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Person == nil || res.Person.Id != person.Id {
		t.Error("Expected the cached remote person to resolve")
	}
}

func TestResolveRemovedPostHiddenFromNonAdmins(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)
	if err := env.db.SetPostRemoved(ctx, post.Id, true); err != nil {
		t.Fatalf("Failed to remove post: %v", err)
	}
	r := newTestResolver(env)

	if _, err := r.Resolve(ctx, post.ApId, Caller{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for anonymous caller, got %v", err)
	}
	if _, err := r.Resolve(ctx, post.ApId, Caller{Authenticated: true}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for non-admin, got %v", err)
	}

	res, err := r.Resolve(ctx, post.ApId, Caller{Authenticated: true, Admin: true})
	if err != nil {
		t.Fatalf("Resolve as admin failed: %v", err)
	}
	if res.Post == nil || !res.Post.Removed {
		t.Error("Expected the admin to see the removed post")
	}
}

func TestResolveDeletedCommunityHiddenFromNonAdmins(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	community := createLocalCommunity(t, env, "starships")
	if err := env.db.SetCommunityState(ctx, community.Id, false, true); err != nil {
		t.Fatalf("Failed to delete community: %v", err)
	}
	r := newTestResolver(env)

	if _, err := r.Resolve(ctx, "!starships@voyager.example", Caller{Authenticated: true}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for non-admin, got %v", err)
	}
	if _, err := r.Resolve(ctx, "!starships@voyager.example", Caller{Authenticated: true, Admin: true}); err != nil {
		t.Errorf("Expected admin to see the deleted community, got %v", err)
	}
}

func TestResolvePrivateInstanceRequiresAuth(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	community := createLocalCommunity(t, env, "starships")
	creator := createLocalPerson(t, env, "janeway")
	post := createLocalPost(t, env, community, creator)

	site := domain.DefaultLocalSite()
	site.PrivateInstance = true
	if err := env.db.SaveLocalSite(ctx, site); err != nil {
		t.Fatalf("Failed to save site settings: %v", err)
	}
	r := newTestResolver(env)

	_, err := r.Resolve(ctx, post.ApId, Caller{})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized on private instance, got %v", err)
	}

	if _, err := r.Resolve(ctx, post.ApId, Caller{Authenticated: true}); err != nil {
		t.Errorf("Expected authenticated caller to resolve, got %v", err)
	}
}

func TestResolveMalformedQueries(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	r := newTestResolver(env)

	for _, query := range []string{"", "   ", "@nohost", "!nohost", "@@", "plainword"} {
		if _, err := r.Resolve(ctx, query, Caller{Authenticated: true}); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound for query %q, got %v", query, err)
		}
	}
}

func TestCheckVisible(t *testing.T) {
	tests := []struct {
		name   string
		res    *Resolution
		caller Caller
		hidden bool
	}{
		{
			name:   "visible post",
			res:    &Resolution{Post: &domain.Post{ApId: "https://x/post/1"}},
			caller: Caller{},
			hidden: false,
		},
		{
			name:   "removed post",
			res:    &Resolution{Post: &domain.Post{ApId: "https://x/post/1", Removed: true}},
			caller: Caller{},
			hidden: true,
		},
		{
			name:   "deleted post",
			res:    &Resolution{Post: &domain.Post{ApId: "https://x/post/1", Deleted: true}},
			caller: Caller{},
			hidden: true,
		},
		{
			name:   "removed post as admin",
			res:    &Resolution{Post: &domain.Post{ApId: "https://x/post/1", Removed: true}},
			caller: Caller{Admin: true},
			hidden: false,
		},
		{
			name:   "deleted comment",
			res:    &Resolution{Comment: &domain.Comment{ApId: "https://x/comment/1", Deleted: true}},
			caller: Caller{Authenticated: true},
			hidden: true,
		},
		{
			name:   "removed community",
			res:    &Resolution{Community: &domain.Community{ActorURI: "https://x/c/1", Removed: true}},
			caller: Caller{},
			hidden: true,
		},
		{
			name:   "person is always visible",
			res:    &Resolution{Person: &domain.Person{ActorURI: "https://x/u/1", Banned: true}},
			caller: Caller{},
			hidden: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckVisible(tt.res, tt.caller)
			if tt.hidden && !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
			if !tt.hidden && err != nil {
				t.Errorf("Expected visible, got %v", err)
			}
		})
	}
}
