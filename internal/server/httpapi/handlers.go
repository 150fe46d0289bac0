package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dandiarchive/blobstore/internal/server/models"
	"github.com/dandiarchive/blobstore/internal/server/repositories/blobs"
	"github.com/dandiarchive/blobstore/internal/server/services"
)

type initializeRequest struct {
	FileSize  *int64        `json:"file_size" binding:"required"`
	Digest    models.Digest `json:"digest"`
	Dataset   string        `json:"dandiset"`
	Embargoed bool          `json:"embargoed"`
}

type blobResponse struct {
	UUID   string `json:"uuid"`
	ETag   string `json:"etag"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

func newBlobResponse(b *models.Blob) blobResponse {
	return blobResponse{UUID: b.ID, ETag: b.ETag, SHA256: b.SHA256, Size: b.Size}
}

func (s *Server) initializeUpload(c *gin.Context) {
	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	init, err := s.uploads.Initialize(c.Request.Context(), services.InitializeRequest{
		FileSize:  *req.FileSize,
		Digest:    req.Digest,
		Dataset:   req.Dataset,
		Embargoed: req.Embargoed,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, init)
}

func (s *Server) completeUpload(c *gin.Context) {
	var req services.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	completion, err := s.uploads.Complete(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, completion)
}

func (s *Server) validateUpload(c *gin.Context) {
	blob, err := s.uploads.Validate(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Location", blob.ID)
	c.Status(http.StatusNoContent)
}

func (s *Server) abortUpload(c *gin.Context) {
	if err := s.uploads.Abort(c.Request.Context(), c.Param("uuid")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// lookupBlob only searches the public partition.
func (s *Server) lookupBlob(c *gin.Context) {
	var digest models.Digest
	if err := c.ShouldBindJSON(&digest); err != nil {
		badRequest(c, err)
		return
	}

	blob, err := s.blobs.Lookup(c.Request.Context(), digest, blobs.AnySize, models.PartitionPublic)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBlobResponse(blob))
}

func (s *Server) getBlob(c *gin.Context) {
	blob, err := s.blobs.Get(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBlobResponse(blob))
}

func (s *Server) recordDownload(c *gin.Context) {
	if err := s.blobs.RecordDownload(c.Request.Context(), c.Param("uuid")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
