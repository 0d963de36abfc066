package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Nothing4You/lemmy/db"
	"github.com/Nothing4You/lemmy/domain"
	"github.com/Nothing4You/lemmy/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// actorCacheWindow is how long a cached remote actor stays fresh before a
// lookup triggers a refetch.
const actorCacheWindow = 24 * time.Hour

// ActorDocument represents the JSON structure of an ActivityPub actor,
// both for parsing remote actors and for serving local ones.
type ActorDocument struct {
	Context           interface{}    `json:"@context,omitempty"`
	Id                string         `json:"id"`
	Type              string         `json:"type"`
	PreferredUsername string         `json:"preferredUsername"`
	Name              string         `json:"name,omitempty"`
	Inbox             string         `json:"inbox"`
	PublicKey         ActorPublicKey `json:"publicKey"`
}

// ActorPublicKey is the signing key block of an actor document.
type ActorPublicKey struct {
	Id           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// ObjectDocument is the parsed form of a fetched Page (post) or Note
// (comment).
type ObjectDocument struct {
	Id           string `json:"id"`
	Type         string `json:"type"`
	AttributedTo string `json:"attributedTo"`
	Audience     string `json:"audience"`
	InReplyTo    string `json:"inReplyTo"`
	Name         string `json:"name"`
	Content      string `json:"content"`
	Url          string `json:"url"`
}

// ResolvedObject is a votable object located either locally or over the
// network. Exactly one of Post and Comment is set.
type ResolvedObject struct {
	Kind    domain.ObjectKind
	Post    *domain.Post
	Comment *domain.Comment
}

// ApId returns the object URI of whichever variant is set.
func (r *ResolvedObject) ApId() string {
	if r.Post != nil {
		return r.Post.ApId
	}
	return r.Comment.ApId
}

// LocalId returns the storage id of whichever variant is set.
func (r *ResolvedObject) LocalId() uuid.UUID {
	if r.Post != nil {
		return r.Post.Id
	}
	return r.Comment.Id
}

// Fetcher resolves actor and object references, serving from the local cache
// when fresh and dereferencing over the transport when not.
type Fetcher struct {
	db        *db.DB
	transport Transport
	conf      *util.AppConfig
	metrics   *Metrics
	log       *zap.Logger
}

func NewFetcher(database *db.DB, transport Transport, conf *util.AppConfig, metrics *Metrics, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{db: database, transport: transport, conf: conf, metrics: metrics, log: logger}
}

// GetOrFetchPerson returns the person behind an actor URI, from cache when
// fresh (< 24 hours) and over the network otherwise.
func (f *Fetcher) GetOrFetchPerson(ctx context.Context, actorURI string) (*domain.Person, error) {
	cached, err := f.db.PersonByActorURI(ctx, actorURI)
	if err == nil {
		if cached.Local || time.Since(cached.LastFetchedAt) < actorCacheWindow {
			return cached, nil
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return f.fetchRemotePerson(ctx, actorURI, cached)
}

// GetOrFetchCommunity is GetOrFetchPerson for community (Group) actors.
func (f *Fetcher) GetOrFetchCommunity(ctx context.Context, actorURI string) (*domain.Community, error) {
	cached, err := f.db.CommunityByActorURI(ctx, actorURI)
	if err == nil {
		if cached.Local || time.Since(cached.LastFetchedAt) < actorCacheWindow {
			return cached, nil
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return f.fetchRemoteCommunity(ctx, actorURI, cached)
}

func (f *Fetcher) fetchRemotePerson(ctx context.Context, actorURI string, cached *domain.Person) (*domain.Person, error) {
	doc, err := f.fetchActorDocument(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	if doc.Type != "Person" && doc.Type != "Service" {
		return nil, fmt.Errorf("actor %s is a %s, not a person", actorURI, doc.Type)
	}

	domainName, err := extractDomain(doc.Id)
	if err != nil {
		return nil, err
	}

	person := &domain.Person{
		Username:      doc.PreferredUsername,
		Domain:        domainName,
		ActorURI:      doc.Id,
		InboxURI:      doc.Inbox,
		PublicKeyPem:  doc.PublicKey.PublicKeyPem,
		Local:         false,
		BotAccount:    doc.Type == "Service",
		LastFetchedAt: time.Now(),
	}

	if cached != nil {
		person.Id = cached.Id
		person.Banned = cached.Banned
		if err := f.db.RefreshPerson(ctx, person); err != nil {
			return nil, fmt.Errorf("failed to store remote person: %w", err)
		}
		return person, nil
	}
	if err := f.db.CreatePerson(ctx, person); err != nil {
		return nil, fmt.Errorf("failed to store remote person: %w", err)
	}
	return person, nil
}

func (f *Fetcher) fetchRemoteCommunity(ctx context.Context, actorURI string, cached *domain.Community) (*domain.Community, error) {
	doc, err := f.fetchActorDocument(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	if doc.Type != "Group" {
		return nil, fmt.Errorf("actor %s is a %s, not a community", actorURI, doc.Type)
	}

	domainName, err := extractDomain(doc.Id)
	if err != nil {
		return nil, err
	}

	community := &domain.Community{
		Name:          doc.PreferredUsername,
		Title:         doc.Name,
		Domain:        domainName,
		ActorURI:      doc.Id,
		InboxURI:      doc.Inbox,
		PublicKeyPem:  doc.PublicKey.PublicKeyPem,
		Local:         false,
		LastFetchedAt: time.Now(),
	}

	if cached != nil {
		community.Id = cached.Id
		community.Removed = cached.Removed
		community.Deleted = cached.Deleted
		if err := f.db.RefreshCommunity(ctx, community); err != nil {
			return nil, fmt.Errorf("failed to store remote community: %w", err)
		}
		return community, nil
	}
	if err := f.db.CreateCommunity(ctx, community); err != nil {
		return nil, fmt.Errorf("failed to store remote community: %w", err)
	}
	return community, nil
}

func (f *Fetcher) fetchActorDocument(ctx context.Context, actorURI string) (*ActorDocument, error) {
	body, err := f.transport.Dereference(ctx, actorURI)
	if err != nil {
		f.countDereference("error")
		return nil, err
	}
	f.countDereference("ok")

	var doc ActorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	if doc.Id == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}
	// The document must describe the actor we asked for
	if doc.Id != actorURI {
		return nil, fmt.Errorf("actor document id %s does not match %s", doc.Id, actorURI)
	}
	return &doc, nil
}

// webfingerDocument is the subset of a JRD response the resolver needs.
type webfingerDocument struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// ResolveHandle turns "name@host" into the actor URI advertised by the
// host's webfinger endpoint.
func (f *Fetcher) ResolveHandle(ctx context.Context, name, host string) (string, error) {
	body, err := f.transport.WebFinger(ctx, host, fmt.Sprintf("acct:%s@%s", name, host))
	if err != nil {
		return "", err
	}

	var doc webfingerDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("failed to parse webfinger response: %w", err)
	}
	for _, link := range doc.Links {
		if link.Rel == "self" && link.Type == "application/activity+json" && link.Href != "" {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("no activity+json self link for %s@%s", name, host)
}

// GetOrFetchObject locates a votable object by its URI. Local objects are
// served from storage; unknown ones are dereferenced once and stored. A
// fetched Page becomes a post (its audience names the community), a fetched
// Note becomes a comment and must reply to something already known locally.
func (f *Fetcher) GetOrFetchObject(ctx context.Context, apId string) (*ResolvedObject, error) {
	post, err := f.db.PostByApId(ctx, apId)
	if err == nil {
		return &ResolvedObject{Kind: domain.ObjectPost, Post: post}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	comment, err := f.db.CommentByApId(ctx, apId)
	if err == nil {
		return &ResolvedObject{Kind: domain.ObjectComment, Comment: comment}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	body, err := f.transport.Dereference(ctx, apId)
	if err != nil {
		f.countDereference("error")
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, apId)
	}
	f.countDereference("ok")

	var doc ObjectDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse object JSON: %w", err)
	}
	if doc.Id == "" || doc.AttributedTo == "" {
		return nil, fmt.Errorf("object missing required fields")
	}

	switch doc.Type {
	case "Page":
		return f.storeFetchedPost(ctx, &doc)
	case "Note":
		return f.storeFetchedComment(ctx, &doc)
	default:
		return nil, fmt.Errorf("unsupported object type %q at %s", doc.Type, apId)
	}
}

func (f *Fetcher) storeFetchedPost(ctx context.Context, doc *ObjectDocument) (*ResolvedObject, error) {
	if doc.Audience == "" {
		return nil, fmt.Errorf("remote post %s declares no community", doc.Id)
	}
	community, err := f.GetOrFetchCommunity(ctx, doc.Audience)
	if err != nil {
		return nil, err
	}
	creator, err := f.GetOrFetchPerson(ctx, doc.AttributedTo)
	if err != nil {
		return nil, err
	}

	name := doc.Name
	if name == "" {
		name = doc.Id
	}
	post := &domain.Post{
		ApId:        doc.Id,
		CommunityId: community.Id,
		CreatorId:   creator.Id,
		Name:        name,
		Body:        doc.Content,
		Url:         doc.Url,
		Local:       false,
	}
	if err := f.db.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("failed to store remote post: %w", err)
	}
	f.log.Debug("stored remote post", zap.String("ap_id", post.ApId))
	return &ResolvedObject{Kind: domain.ObjectPost, Post: post}, nil
}

func (f *Fetcher) storeFetchedComment(ctx context.Context, doc *ObjectDocument) (*ResolvedObject, error) {
	if doc.InReplyTo == "" {
		return nil, fmt.Errorf("remote comment %s has no inReplyTo", doc.Id)
	}

	// Resolution is bounded at depth one: the parent must already be known
	// locally, otherwise the comment is treated as unknown.
	var postId uuid.UUID
	if parent, err := f.db.PostByApId(ctx, doc.InReplyTo); err == nil {
		postId = parent.Id
	} else if parentComment, cerr := f.db.CommentByApId(ctx, doc.InReplyTo); cerr == nil {
		postId = parentComment.PostId
	} else {
		return nil, fmt.Errorf("%w: parent of comment %s", domain.ErrNotFound, doc.Id)
	}

	creator, err := f.GetOrFetchPerson(ctx, doc.AttributedTo)
	if err != nil {
		return nil, err
	}

	comment := &domain.Comment{
		ApId:      doc.Id,
		PostId:    postId,
		CreatorId: creator.Id,
		Content:   doc.Content,
		Local:     false,
	}
	if err := f.db.CreateComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("failed to store remote comment: %w", err)
	}
	f.log.Debug("stored remote comment", zap.String("ap_id", comment.ApId))
	return &ResolvedObject{Kind: domain.ObjectComment, Comment: comment}, nil
}

func (f *Fetcher) countDereference(result string) {
	if f.metrics != nil {
		f.metrics.Dereferences.WithLabelValues(result).Inc()
	}
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("actor URI %q has no host", actorURI)
	}
	return parsed.Host, nil
}

// splitHandle splits "name@host" (with an optional leading @ or !) into its
// parts.
func splitHandle(handle string) (string, string, bool) {
	handle = strings.TrimPrefix(handle, "@")
	handle = strings.TrimPrefix(handle, "!")
	name, host, found := strings.Cut(handle, "@")
	if !found || name == "" || host == "" {
		return "", "", false
	}
	return name, host, true
}
