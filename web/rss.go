package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Nothing4You/lemmy/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/feeds"
	"go.uber.org/zap"
)

const feedPostLimit = 20

// handleCommunityFeed serves GET /feeds/c/:name.xml, an RSS rendition of a
// local community's recent posts. Removed and deleted posts never appear.
func (s *Server) handleCommunityFeed(c *gin.Context) {
	name := strings.TrimSuffix(c.Param("name"), ".xml")

	community, err := s.Db.LocalCommunityByName(c.Request.Context(), name)
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

	posts, err := s.Db.RecentPostsByCommunity(c.Request.Context(), community.Id, feedPostLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - %s", community.Name, community.Title),
		Link:        &feeds.Link{Href: community.ActorURI},
		Description: fmt.Sprintf("Posts in !%s@%s", community.Name, s.Conf.Conf.Domain),
		Created:     time.Now(),
	}

	// Creator names, resolved once per distinct creator
	creators := make(map[uuid.UUID]string)
	for _, post := range posts {
		author, ok := creators[post.CreatorId]
		if !ok {
			if person, err := s.Db.PersonById(c.Request.Context(), post.CreatorId); err == nil {
				author = fmt.Sprintf("%s@%s", person.Username, person.Domain)
			}
			creators[post.CreatorId] = author
		}

		item := &feeds.Item{
			Id:      post.ApId,
			Title:   post.Name,
			Link:    &feeds.Link{Href: post.ApId},
			Content: post.Body,
			Author:  &feeds.Author{Name: author},
			Created: post.CreatedAt,
		}
		if post.UpdatedAt != nil {
			item.Updated = *post.UpdatedAt
		}
		feed.Items = append(feed.Items, item)
	}

	rss, err := feed.ToRss()
	if err != nil {
		s.Log.Error("failed to render feed", zap.String("community", community.Name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}
