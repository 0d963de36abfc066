package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Nothing4You/lemmy/domain"
	"github.com/gin-gonic/gin"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Links   []webfingerLink `json:"links"`
}

// handleWebfinger serves GET /.well-known/webfinger. It resolves
// acct:name@host resources for this host to local person and community
// actors; remote instances call this to discover actor URIs.
func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		c.JSON(http.StatusNotFound, gin.H{"error": "unsupported resource"})
		return
	}

	name, host, found := strings.Cut(strings.TrimPrefix(resource, "acct:"), "@")
	if !found || name == "" || host != s.Conf.Conf.Domain {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}

	var actorURI string
	if _, err := s.Db.LocalPersonByName(c.Request.Context(), name); err == nil {
		actorURI = s.Conf.PersonURI(name)
	} else if !errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	} else if _, err := s.Db.LocalCommunityByName(c.Request.Context(), name); err == nil {
		actorURI = s.Conf.CommunityURI(name)
	} else if !errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	} else {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, webfingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", name, s.Conf.Conf.Domain),
		Links: []webfingerLink{
			{Rel: "self", Type: "application/activity+json", Href: actorURI},
		},
	})
}
