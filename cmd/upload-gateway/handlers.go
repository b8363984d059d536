package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pcollings/chunkrelay/cmd/upload-gateway/middleware"
	"github.com/pcollings/chunkrelay/internal/chunking"
	"github.com/pcollings/chunkrelay/pkg/apperrors"
	"github.com/pcollings/chunkrelay/pkg/types"
)

// maxChunkBody bounds a single chunk request body; actual chunk sizes
// come from the category table and are far below this.
const maxChunkBody = 64 << 20

func abortWithError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled error")
	}
	// The body carries only the stable code and message; wrapped causes
	// (driver errors, storage paths) stay in the server logs.
	c.JSON(apperrors.HTTPStatus(err), types.APIResponse{
		Success: false,
		Error:   apperrors.Message(err),
		Code:    code,
	})
}

func handleStartUpload(svc *chunking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		var req types.StartUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "invalid request format",
				Code:    apperrors.CodeValidation,
			})
			return
		}

		session, err := svc.StartSession(c.Request.Context(), ident, &req)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusCreated, types.APIResponse{
			Success: true,
			Data: types.StartUploadResponse{
				TrackingID:  session.TrackingID,
				Status:      session.Status,
				TotalChunks: session.TotalChunks,
				ChunkSize:   session.ChunkSize,
			},
		})
	}
}

func handleUploadChunk(svc *chunking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		index, err := strconv.Atoi(c.Param("index"))
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "invalid chunk index",
				Code:    apperrors.CodeValidation,
			})
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxChunkBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, types.APIResponse{
					Success: false,
					Error:   "chunk body exceeds maximum allowed size",
					Code:    apperrors.CodeValidation,
				})
				return
			}
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "failed to read chunk body",
				Code:    apperrors.CodeValidation,
			})
			return
		}

		result, err := svc.AcceptChunk(c.Request.Context(), ident, c.Param("trackingId"), index, payload, c.GetHeader("X-Chunk-Checksum"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: result})
	}
}

func handlePauseUpload(svc *chunking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		session, err := svc.PauseSession(c.Request.Context(), ident, c.Param("trackingId"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: session})
	}
}

func handleResumeUpload(svc *chunking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		// The client's claimed cursor is advisory; an absent body means
		// the client has no opinion.
		req := types.ResumeRequest{LastChunk: -1}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, types.APIResponse{
					Success: false,
					Error:   "invalid request format",
					Code:    apperrors.CodeValidation,
				})
				return
			}
		}

		resume, err := svc.ResumeSession(c.Request.Context(), ident, c.Param("trackingId"), req.LastChunk)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: resume})
	}
}

func handleCancelUpload(svc *chunking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		if err := svc.CancelSession(c.Request.Context(), ident, c.Param("trackingId")); err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: "upload cancelled"})
	}
}

func handleUploadStatus(svc *chunking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		session, err := svc.Status(c.Request.Context(), ident, c.Param("trackingId"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: session})
	}
}

func handleAnnotateUpload(svc *chunking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		var annotations types.JSONMap
		if err := c.ShouldBindJSON(&annotations); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "invalid request format",
				Code:    apperrors.CodeValidation,
			})
			return
		}

		session, err := svc.AnnotateSession(c.Request.Context(), ident, c.Param("trackingId"), annotations)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: session})
	}
}

func handleUploadHistory(svc *chunking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		filter := &types.HistoryFilter{
			Status: types.UploadStatus(c.Query("status")),
			Page:   page,
			Limit:  limit,
		}

		sessions, total, err := svc.History(c.Request.Context(), ident, filter)
		if err != nil {
			abortWithError(c, err)
			return
		}

		if filter.Page < 1 {
			filter.Page = 1
		}
		if filter.Limit < 1 {
			filter.Limit = 20
		}
		totalPages := int((total + int64(filter.Limit) - 1) / int64(filter.Limit))

		c.JSON(http.StatusOK, types.PaginatedResponse{
			APIResponse: types.APIResponse{Success: true, Data: sessions},
			Pagination: &types.PaginationInfo{
				Page:       filter.Page,
				PerPage:    filter.Limit,
				Total:      total,
				TotalPages: totalPages,
			},
		})
	}
}

func handleDownload(svc *chunking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		session, content, err := svc.Download(c.Request.Context(), ident, c.Param("trackingId"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		defer content.Close()

		contentType := session.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Header("Content-Type", contentType)
		c.Header("Content-Length", strconv.FormatInt(session.TotalSize, 10))
		c.Status(http.StatusOK)

		if _, err := io.Copy(c.Writer, content); err != nil {
			log.Error().Err(err).Str("tracking_id", session.TrackingID).Msg("download stream interrupted")
		}
	}
}
