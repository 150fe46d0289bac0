package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dandiarchive/blobstore/internal/common"
	"github.com/dandiarchive/blobstore/internal/server/services"
)

// Bodies follow the conventions dandi clients expect: integrity and input
// failures are a JSON array of messages, other failures a {"detail": ...}
// object.
const msgBlobExists = "Blob already exists."

func detail(msg string) gin.H {
	return gin.H{"detail": msg}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, []string{err.Error()})
}

func (s *Server) writeError(c *gin.Context, err error) {
	var (
		exists   *services.BlobAlreadyExistsError
		conflict *services.DigestConflictError
		size     *services.SizeMismatchError
		etag     *services.EtagMismatchError
		invalid  *services.ValidationError
	)

	switch {
	case errors.As(err, &exists):
		c.Header("Location", exists.BlobID)
		c.JSON(http.StatusConflict, msgBlobExists)
	case errors.As(err, &conflict):
		c.Header("Location", conflict.Existing.ID)
		c.JSON(http.StatusConflict, detail(conflict.Error()))
	case errors.As(err, &size):
		c.JSON(http.StatusBadRequest, []string{services.MsgSizeMismatch})
	case errors.As(err, &etag):
		c.JSON(http.StatusBadRequest, []string{services.MsgETagMismatch})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, invalid.Messages)
	case errors.Is(err, common.ErrorNotFound):
		c.JSON(http.StatusNotFound, detail("Not found."))
	case errors.Is(err, common.ErrInvalidState):
		c.JSON(http.StatusConflict, detail(err.Error()))
	case errors.Is(err, common.ErrBlobEmbargoed):
		c.JSON(http.StatusForbidden, detail(err.Error()))
	default:
		s.logger.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, detail("internal error"))
	}
}
