package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Nothing4You/lemmy/activitypub"
	"github.com/Nothing4You/lemmy/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const activityJSONContentType = "application/activity+json; charset=utf-8"

// actorContext is the JSON-LD context for actor documents; security/v1
// covers the publicKey block.
func actorContext() []string {
	return []string{activitypub.ActivityContext, "https://w3id.org/security/v1"}
}

// handlePersonActor serves GET /u/:name as an ActivityPub Person document.
// Remote instances fetch this to learn the inbox and signing key.
func (s *Server) handlePersonActor(c *gin.Context) {
	person, err := s.Db.LocalPersonByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "person not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	kind := "Person"
	if person.BotAccount {
		kind = "Service"
	}
	s.renderActor(c, activitypub.ActorDocument{
		Context:           actorContext(),
		Id:                person.ActorURI,
		Type:              kind,
		PreferredUsername: person.Username,
		Name:              person.Username,
		Inbox:             person.InboxURI,
		PublicKey: activitypub.ActorPublicKey{
			Id:           activitypub.KeyId(person.ActorURI),
			Owner:        person.ActorURI,
			PublicKeyPem: person.PublicKeyPem,
		},
	})
}

// handleCommunityActor serves GET /c/:name as an ActivityPub Group document.
func (s *Server) handleCommunityActor(c *gin.Context) {
	community, err := s.Db.LocalCommunityByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "community not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if community.Removed || community.Deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "community not found"})
		return
	}

	s.renderActor(c, activitypub.ActorDocument{
		Context:           actorContext(),
		Id:                community.ActorURI,
		Type:              "Group",
		PreferredUsername: community.Name,
		Name:              community.Title,
		Inbox:             community.InboxURI,
		PublicKey: activitypub.ActorPublicKey{
			Id:           activitypub.KeyId(community.ActorURI),
			Owner:        community.ActorURI,
			PublicKeyPem: community.PublicKeyPem,
		},
	})
}

func (s *Server) renderActor(c *gin.Context, doc activitypub.ActorDocument) {
	body, err := json.Marshal(doc)
	if err != nil {
		s.Log.Error("failed to marshal actor document", zap.String("id", doc.Id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Data(http.StatusOK, activityJSONContentType, body)
}
