package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Nothing4You/lemmy/db"
	"github.com/Nothing4You/lemmy/domain"
	"github.com/Nothing4You/lemmy/util"
	"go.uber.org/zap"
)

// Caller describes who is asking the resolver. Authenticated callers may
// trigger network dereferences; admins additionally see removed and deleted
// objects.
type Caller struct {
	Authenticated bool
	Admin         bool
}

// Resolution is the result of a resolve query. Exactly one field is set.
type Resolution struct {
	Post      *domain.Post
	Comment   *domain.Comment
	Person    *domain.Person
	Community *domain.Community
}

// Resolver answers object queries given as URLs or fully qualified handles.
// Unauthenticated callers only see what is already known locally, unless
// debug mode lifts that restriction.
type Resolver struct {
	db      *db.DB
	fetcher *Fetcher
	conf    *util.AppConfig
	log     *zap.Logger
}

func NewResolver(database *db.DB, fetcher *Fetcher, conf *util.AppConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: database, fetcher: fetcher, conf: conf, log: logger}
}

// Resolve locates whatever the query names and applies visibility rules for
// the caller. Queries take three forms: a bare URL, a person handle
// ("@name@host") or a community handle ("!name@host").
func (r *Resolver) Resolve(ctx context.Context, query string, caller Caller) (*Resolution, error) {
	site, err := r.db.ReadLocalSite(ctx)
	if err != nil {
		return nil, err
	}
	if site.PrivateInstance && !caller.Authenticated {
		return nil, fmt.Errorf("%w: instance is private", ErrNotAuthorized)
	}

	allowNetwork := caller.Authenticated || r.conf.Conf.Debug

	query = strings.TrimSpace(query)
	var res *Resolution
	switch {
	case query == "":
		return nil, fmt.Errorf("%w: empty query", domain.ErrNotFound)
	case strings.HasPrefix(query, "!"):
		res, err = r.resolveCommunityHandle(ctx, query, allowNetwork)
	case strings.HasPrefix(query, "http://"), strings.HasPrefix(query, "https://"):
		res, err = r.resolveURL(ctx, query, allowNetwork)
	default:
		res, err = r.resolvePersonHandle(ctx, query, allowNetwork)
	}
	if err != nil {
		return nil, err
	}
	if err := CheckVisible(res, caller); err != nil {
		return nil, err
	}
	return res, nil
}

// CheckVisible applies object visibility for a caller: removed or deleted
// objects exist only for admins, everyone else gets a not-found. Person
// records are always visible.
func CheckVisible(res *Resolution, caller Caller) error {
	if caller.Admin {
		return nil
	}
	var hidden bool
	var apId string
	switch {
	case res.Post != nil:
		hidden = res.Post.Removed || res.Post.Deleted
		apId = res.Post.ApId
	case res.Comment != nil:
		hidden = res.Comment.Removed || res.Comment.Deleted
		apId = res.Comment.ApId
	case res.Community != nil:
		hidden = res.Community.Removed || res.Community.Deleted
		apId = res.Community.ActorURI
	}
	if hidden {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apId)
	}
	return nil
}

func (r *Resolver) resolvePersonHandle(ctx context.Context, handle string, allowNetwork bool) (*Resolution, error) {
	name, host, ok := splitHandle(handle)
	if !ok {
		return nil, fmt.Errorf("%w: malformed handle %q", domain.ErrNotFound, handle)
	}
	if host == r.conf.Conf.Domain {
		p, err := r.db.LocalPersonByName(ctx, name)
		if err != nil {
			return nil, err
		}
		return &Resolution{Person: p}, nil
	}

	p, err := r.db.PersonByUsernameAndDomain(ctx, name, host)
	if err == nil {
		return &Resolution{Person: p}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if !allowNetwork {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, handle)
	}

	actorURI, err := r.fetcher.ResolveHandle(ctx, name, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, handle)
	}
	p, err = r.fetcher.GetOrFetchPerson(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	return &Resolution{Person: p}, nil
}

func (r *Resolver) resolveCommunityHandle(ctx context.Context, handle string, allowNetwork bool) (*Resolution, error) {
	name, host, ok := splitHandle(handle)
	if !ok {
		return nil, fmt.Errorf("%w: malformed handle %q", domain.ErrNotFound, handle)
	}
	if host == r.conf.Conf.Domain {
		c, err := r.db.LocalCommunityByName(ctx, name)
		if err != nil {
			return nil, err
		}
		return &Resolution{Community: c}, nil
	}

	c, err := r.db.CommunityByNameAndDomain(ctx, name, host)
	if err == nil {
		return &Resolution{Community: c}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if !allowNetwork {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, handle)
	}

	actorURI, err := r.fetcher.ResolveHandle(ctx, name, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, handle)
	}
	c, err = r.fetcher.GetOrFetchCommunity(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	return &Resolution{Community: c}, nil
}

func (r *Resolver) resolveURL(ctx context.Context, raw string, allowNetwork bool) (*Resolution, error) {
	if post, err := r.db.PostByApId(ctx, raw); err == nil {
		return &Resolution{Post: post}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if comment, err := r.db.CommentByApId(ctx, raw); err == nil {
		return &Resolution{Comment: comment}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if person, err := r.db.PersonByActorURI(ctx, raw); err == nil {
		return &Resolution{Person: person}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if community, err := r.db.CommunityByActorURI(ctx, raw); err == nil {
		return &Resolution{Community: community}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if !allowNetwork {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, raw)
	}

	// One probe fetch decides what kind of document the URL names
	body, err := r.fetcher.transport.Dereference(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, raw)
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse document at %s: %w", raw, err)
	}

	switch probe.Type {
	case "Person", "Service":
		p, err := r.fetcher.GetOrFetchPerson(ctx, raw)
		if err != nil {
			return nil, err
		}
		return &Resolution{Person: p}, nil
	case "Group":
		c, err := r.fetcher.GetOrFetchCommunity(ctx, raw)
		if err != nil {
			return nil, err
		}
		return &Resolution{Community: c}, nil
	case "Page", "Note":
		obj, err := r.fetcher.GetOrFetchObject(ctx, raw)
		if err != nil {
			return nil, err
		}
		return &Resolution{Post: obj.Post, Comment: obj.Comment}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported document type %q at %s", domain.ErrNotFound, probe.Type, raw)
	}
}
