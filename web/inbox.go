package web

import (
	"net/http"

	"github.com/Nothing4You/lemmy/activitypub"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleInbox serves POST /inbox, the shared federation inbox. The request
// must carry a valid HTTP signature by the activity's actor; the activity
// then runs through the inbound pipeline and the terminal outcome decides
// the response status.
func (s *Server) handleInbox(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	act, err := activitypub.ParseActivity(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Unknown types are acknowledged and dropped here. Remote software
	// sends plenty of activity types this instance does not process, and
	// answering 4xx would only make peers retry.
	if _, known := activitypub.ParseKind(act.Type); !known {
		s.Log.Debug("ignoring unsupported activity type",
			zap.String("type", act.Type), zap.String("id", act.Id))
		c.Status(http.StatusAccepted)
		return
	}

	actor, err := s.Fetcher.GetOrFetchPerson(c.Request.Context(), act.Actor)
	if err != nil {
		s.Log.Info("inbox actor could not be fetched",
			zap.String("actor", act.Actor), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	signer, err := activitypub.VerifyRequest(c.Request, actor.PublicKeyPem)
	if err != nil || signer != act.Actor {
		s.Log.Info("inbox signature rejected",
			zap.String("actor", act.Actor), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	outcome, err := s.Pipeline.Receive(c.Request.Context(), act)
	switch outcome {
	case activitypub.OutcomeRejected:
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized"})
	case activitypub.OutcomeFailed:
		msg := "processing failed"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
	default:
		// Applied, UndoApplied and Discarded are all successful terminals
		c.Status(http.StatusOK)
	}
}
