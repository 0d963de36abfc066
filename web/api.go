package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/Nothing4You/lemmy/activitypub"
	"github.com/Nothing4You/lemmy/domain"
	"github.com/Nothing4You/lemmy/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type personView struct {
	Id       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Domain   string    `json:"domain"`
	ActorURI string    `json:"actor_id"`
	Local    bool      `json:"local"`
	Bot      bool      `json:"bot_account"`
}

type communityView struct {
	Id       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Title    string    `json:"title"`
	Domain   string    `json:"domain"`
	ActorURI string    `json:"actor_id"`
	Local    bool      `json:"local"`
	Removed  bool      `json:"removed"`
	Deleted  bool      `json:"deleted"`
}

type postView struct {
	Id          uuid.UUID  `json:"id"`
	ApId        string     `json:"ap_id"`
	CommunityId uuid.UUID  `json:"community_id"`
	CreatorId   uuid.UUID  `json:"creator_id"`
	Name        string     `json:"name"`
	Body        string     `json:"body,omitempty"`
	Url         string     `json:"url,omitempty"`
	Removed     bool       `json:"removed"`
	Deleted     bool       `json:"deleted"`
	Published   time.Time  `json:"published"`
	Updated     *time.Time `json:"updated,omitempty"`
}

type commentView struct {
	Id        uuid.UUID  `json:"id"`
	ApId      string     `json:"ap_id"`
	PostId    uuid.UUID  `json:"post_id"`
	CreatorId uuid.UUID  `json:"creator_id"`
	Content   string     `json:"content"`
	Removed   bool       `json:"removed"`
	Deleted   bool       `json:"deleted"`
	Published time.Time  `json:"published"`
	Updated   *time.Time `json:"updated,omitempty"`
}

func viewPerson(p *domain.Person) *personView {
	return &personView{
		Id:       p.Id,
		Username: p.Username,
		Domain:   p.Domain,
		ActorURI: p.ActorURI,
		Local:    p.Local,
		Bot:      p.BotAccount,
	}
}

func viewCommunity(c *domain.Community) *communityView {
	return &communityView{
		Id:       c.Id,
		Name:     c.Name,
		Title:    c.Title,
		Domain:   c.Domain,
		ActorURI: c.ActorURI,
		Local:    c.Local,
		Removed:  c.Removed,
		Deleted:  c.Deleted,
	}
}

func viewPost(p *domain.Post) *postView {
	return &postView{
		Id:          p.Id,
		ApId:        p.ApId,
		CommunityId: p.CommunityId,
		CreatorId:   p.CreatorId,
		Name:        p.Name,
		Body:        p.Body,
		Url:         p.Url,
		Removed:     p.Removed,
		Deleted:     p.Deleted,
		Published:   p.CreatedAt,
		Updated:     p.UpdatedAt,
	}
}

func viewComment(c *domain.Comment) *commentView {
	return &commentView{
		Id:        c.Id,
		ApId:      c.ApId,
		PostId:    c.PostId,
		CreatorId: c.CreatorId,
		Content:   c.Content,
		Removed:   c.Removed,
		Deleted:   c.Deleted,
		Published: c.CreatedAt,
		Updated:   c.UpdatedAt,
	}
}

type resolveResponse struct {
	Post      *postView      `json:"post,omitempty"`
	Comment   *commentView   `json:"comment,omitempty"`
	Person    *personView    `json:"person,omitempty"`
	Community *communityView `json:"community,omitempty"`
}

// handleResolveObject serves GET /api/v3/resolve_object?q=. Anonymous
// callers search local data only; authenticated callers may trigger a
// remote fetch.
func (s *Server) handleResolveObject(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query"})
		return
	}

	res, err := s.Resolver.Resolve(c.Request.Context(), q, apCaller(c))
	if err != nil {
		switch {
		case errors.Is(err, activitypub.ErrNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "not authorized"})
		case errors.Is(err, domain.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "couldnt_find_object"})
		default:
			s.Log.Error("resolve failed", zap.String("query", q), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	resp := resolveResponse{}
	switch {
	case res.Post != nil:
		resp.Post = viewPost(res.Post)
	case res.Comment != nil:
		resp.Comment = viewComment(res.Comment)
	case res.Person != nil:
		resp.Person = viewPerson(res.Person)
	case res.Community != nil:
		resp.Community = viewCommunity(res.Community)
	}
	c.JSON(http.StatusOK, resp)
}

type communityListResponse struct {
	Communities []*communityView `json:"communities"`
}

// handleListCommunities serves GET /api/v3/community/list with every local
// community, oldest first.
func (s *Server) handleListCommunities(c *gin.Context) {
	communities, err := s.Db.LocalCommunities(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	resp := communityListResponse{Communities: make([]*communityView, 0, len(communities))}
	for i := range communities {
		resp.Communities = append(resp.Communities, viewCommunity(&communities[i]))
	}
	c.JSON(http.StatusOK, resp)
}

type voteRequest struct {
	ObjectId string `json:"object_id" binding:"required"`
	Score    int16  `json:"score"`
}

type voteResponse struct {
	Score       int16 `json:"score"`
	ObjectScore int64 `json:"object_score"`
}

// handleVote serves POST /api/v3/vote. Score 1 or -1 casts a vote, 0
// withdraws it. Votes obey the same site policy as federated ones: a
// Disabled direction refuses the vote, LocalOnly applies it without
// federating, All applies and dispatches it.
func (s *Server) handleVote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Score < -1 || req.Score > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "score must be -1, 0 or 1"})
		return
	}
	caller := callerFrom(c)

	obj, err := s.Fetcher.GetOrFetchObject(c.Request.Context(), req.ObjectId)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "couldnt_find_object"})
			return
		}
		s.Log.Error("vote target lookup failed", zap.String("object", req.ObjectId), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	community, err := s.objectCommunity(c, obj)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	site, err := s.Db.ReadLocalSite(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	upMode, downMode := site.VoteModes(obj.Kind)
	mode := upMode
	if req.Score < 0 {
		mode = downMode
	}

	if req.Score == 0 {
		s.withdrawVote(c, caller, obj, community, mode)
		return
	}

	if mode == domain.FederationModeDisabled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "votes of this kind are disabled"})
		return
	}

	vote := &domain.Vote{
		PersonId:   caller.Person.Id,
		ObjectKind: obj.Kind,
		ObjectId:   obj.LocalId(),
		Score:      req.Score,
	}
	if err := s.Db.UpsertVote(c.Request.Context(), vote); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if mode == domain.FederationModeAll {
		err := s.Dispatcher.Submit(activitypub.VoteData{
			Actor:      caller.Person,
			Community:  community,
			ObjectApId: obj.ApId(),
			Score:      req.Score,
		})
		if s.abortOnSubmitError(c, err) {
			return
		}
	}

	s.respondVoteState(c, req.Score, obj)
}

// withdrawVote removes the caller's vote. Absence of a prior vote is a
// successful no-op, and nothing federates in that case.
func (s *Server) withdrawVote(c *gin.Context, caller *authedCaller, obj *activitypub.ResolvedObject, community *domain.Community, mode domain.FederationMode) {
	prior, err := s.Db.VoteByPersonAndObject(c.Request.Context(), caller.Person.Id, obj.Kind, obj.LocalId())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondVoteState(c, 0, obj)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if err := s.Db.DeleteVote(c.Request.Context(), caller.Person.Id, obj.Kind, obj.LocalId()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if mode == domain.FederationModeAll {
		err := s.Dispatcher.Submit(activitypub.UndoVoteData{
			Actor:      caller.Person,
			Community:  community,
			ObjectApId: obj.ApId(),
			Score:      prior.Score,
		})
		if s.abortOnSubmitError(c, err) {
			return
		}
	}

	s.respondVoteState(c, 0, obj)
}

func (s *Server) respondVoteState(c *gin.Context, score int16, obj *activitypub.ResolvedObject) {
	total, err := s.Db.ObjectScore(c.Request.Context(), obj.Kind, obj.LocalId())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, voteResponse{Score: score, ObjectScore: total})
}

func (s *Server) objectCommunity(c *gin.Context, obj *activitypub.ResolvedObject) (*domain.Community, error) {
	communityId := uuid.Nil
	if obj.Post != nil {
		communityId = obj.Post.CommunityId
	} else {
		post, err := s.Db.PostById(c.Request.Context(), obj.Comment.PostId)
		if err != nil {
			return nil, err
		}
		communityId = post.CommunityId
	}
	return s.Db.CommunityById(c.Request.Context(), communityId)
}

// abortOnSubmitError maps a dispatch submission failure onto the response.
// A saturated queue is a 503; the local mutation stays committed either way.
func (s *Server) abortOnSubmitError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, activitypub.ErrDispatchQueueFull) {
		s.Log.Warn("dispatch queue saturated, activity not federated")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispatch queue full"})
		return true
	}
	s.Log.Error("dispatch submit failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	return true
}

type purgeCommunityRequest struct {
	CommunityId string `json:"community_id" binding:"required"`
	Reason      string `json:"reason"`
}

// handlePurgeCommunity serves POST /api/v3/admin/purge/community. The
// community and everything attached to it (posts, comments, votes, images,
// follows) is deleted in one transaction, an admin purge record is written,
// and the removal is dispatched to the federation.
func (s *Server) handlePurgeCommunity(c *gin.Context) {
	var req purgeCommunityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	communityId, err := uuid.Parse(req.CommunityId)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid community id"})
		return
	}
	caller := callerFrom(c)
	reason := util.NormalizeInput(req.Reason)

	community, err := s.Db.CommunityById(c.Request.Context(), communityId)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "couldnt_find_community"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Capture delivery targets before the purge drops the follow rows.
	var inboxes []string
	if community.Local {
		inboxes, err = s.Db.CommunityFollowerInboxes(c.Request.Context(), community.Id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}

	if err := s.Db.PurgeCommunity(c.Request.Context(), community.Id); err != nil {
		s.Log.Error("purge failed", zap.String("community", community.ActorURI), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if err := s.Db.CreateAdminPurgeCommunity(c.Request.Context(), &domain.AdminPurgeCommunity{
		AdminPersonId: caller.Person.Id,
		Reason:        reason,
	}); err != nil {
		s.Log.Error("purge log write failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	err = s.Dispatcher.Submit(activitypub.RemoveCommunityData{
		Moderator: caller.Person,
		Community: community,
		Reason:    reason,
		Removed:   true,
		Inboxes:   inboxes,
	})
	if s.abortOnSubmitError(c, err) {
		return
	}

	s.Log.Info("community purged",
		zap.String("community", community.ActorURI),
		zap.String("admin", caller.Person.Username))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type siteView struct {
	Version          string `json:"version"`
	PrivateInstance  bool   `json:"private_instance"`
	PostUpvotes      string `json:"post_upvotes"`
	PostDownvotes    string `json:"post_downvotes"`
	CommentUpvotes   string `json:"comment_upvotes"`
	CommentDownvotes string `json:"comment_downvotes"`
}

type editSiteRequest struct {
	PrivateInstance  *bool  `json:"private_instance"`
	PostUpvotes      string `json:"post_upvotes"`
	PostDownvotes    string `json:"post_downvotes"`
	CommentUpvotes   string `json:"comment_upvotes"`
	CommentDownvotes string `json:"comment_downvotes"`
}

func viewSite(s domain.LocalSite) siteView {
	return siteView{
		Version:          util.GetVersion(),
		PrivateInstance:  s.PrivateInstance,
		PostUpvotes:      string(s.PostUpvotes),
		PostDownvotes:    string(s.PostDownvotes),
		CommentUpvotes:   string(s.CommentUpvotes),
		CommentDownvotes: string(s.CommentDownvotes),
	}
}

// handleGetSite serves GET /api/v3/site with the current policy.
func (s *Server) handleGetSite(c *gin.Context) {
	site, err := s.Db.ReadLocalSite(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, viewSite(site))
}

// handleEditSite serves POST /api/v3/admin/site. Fields left out of the
// request keep their current value. Saved policy takes effect on the next
// decision; nothing caches it.
func (s *Server) handleEditSite(c *gin.Context) {
	var req editSiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	site, err := s.Db.ReadLocalSite(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if req.PrivateInstance != nil {
		site.PrivateInstance = *req.PrivateInstance
	}
	modes := []struct {
		value  string
		target *domain.FederationMode
	}{
		{req.PostUpvotes, &site.PostUpvotes},
		{req.PostDownvotes, &site.PostDownvotes},
		{req.CommentUpvotes, &site.CommentUpvotes},
		{req.CommentDownvotes, &site.CommentDownvotes},
	}
	for _, m := range modes {
		if m.value == "" {
			continue
		}
		mode := domain.FederationMode(m.value)
		if !mode.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid federation mode " + m.value})
			return
		}
		*m.target = mode
	}

	if err := s.Db.SaveLocalSite(c.Request.Context(), site); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, viewSite(site))
}
