package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pcollings/chunkrelay/cmd/upload-gateway/middleware"
	"github.com/pcollings/chunkrelay/internal/admission"
	"github.com/pcollings/chunkrelay/internal/chunking"
	"github.com/pcollings/chunkrelay/pkg/types"
)

// heartbeatInterval keeps intermediaries from timing out an idle stream
const heartbeatInterval = 15 * time.Second

// handleUploadEvents is the realtime channel: a server-sent event
// stream of the session's lifecycle events. Admission is decided before
// any event flows; a rejected connection closes immediately with a
// distinguishable reason.
func handleUploadEvents(svc *chunking.Service, manager *admission.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		trackingID := c.Param("trackingId")

		// Ownership check before admission so a foreign trackingId never
		// consumes a connection slot.
		session, err := svc.Status(c.Request.Context(), ident, trackingID)
		if err != nil {
			abortWithError(c, err)
			return
		}

		entry, err := manager.HandleConnection(ident)
		if err != nil {
			abortWithError(c, err)
			return
		}
		defer manager.HandleDisconnection(entry.ConnectionID)

		if err := manager.Associate(entry.ConnectionID, trackingID); err != nil {
			abortWithError(c, err)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		// Initial snapshot so a reconnecting client does not wait for the
		// next chunk to learn where the upload stands.
		c.SSEvent(string(chunking.EventStart), gin.H{
			"tracking_id":      session.TrackingID,
			"status":           session.Status,
			"progress":         session.Progress(),
			"chunks_completed": session.CompletedChunks.Count(),
			"total_chunks":     session.TotalChunks,
			"connection_id":    entry.ConnectionID,
		})
		c.Writer.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-c.Request.Context().Done():
				return
			case <-heartbeat.C:
				c.SSEvent("ping", nil)
				c.Writer.Flush()
			case event, open := <-entry.Events():
				if !open {
					return
				}
				c.SSEvent(string(event.Kind), event)
				c.Writer.Flush()
				// Error events carry the session status: a retryable
				// chunk failure arrives with a non-terminal status and
				// keeps the stream open.
				if event.Status.IsTerminal() {
					log.Debug().
						Str("tracking_id", trackingID).
						Str("kind", string(event.Kind)).
						Msg("terminal event delivered; closing stream")
					return
				}
			}
		}
	}
}
