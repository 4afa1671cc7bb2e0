package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bft-labs/imgship/internal/domain"
)

// multipartOverhead is allowed on top of the file size limit for form framing.
const multipartOverhead = 1 << 20

func detail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"detail": msg})
}

func (s *Server) index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", nil)
}

func (s *Server) uploadPage(c *gin.Context) {
	c.HTML(http.StatusOK, "upload.html", gin.H{
		"max_mb": s.store.MaxFileSizeBytes() >> 20,
	})
}

func (s *Server) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.store.MaxFileSizeBytes()+multipartOverhead)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.uploads.WithLabelValues("too_large").Inc()
			detail(c, http.StatusBadRequest, "file exceeds maximum size")
			return
		}
		s.metrics.uploads.WithLabelValues("invalid").Inc()
		detail(c, http.StatusUnprocessableEntity, "file is required")
		return
	}

	f, err := fh.Open()
	if err != nil {
		s.metrics.uploads.WithLabelValues("error").Inc()
		detail(c, http.StatusInternalServerError, "could not read upload")
		return
	}
	defer f.Close()

	img, err := s.store.Save(c.Request.Context(), fh.Filename, fh.Header.Get("Content-Type"), fh.Size, f)
	switch {
	case err == nil:
		s.metrics.uploads.WithLabelValues("ok").Inc()
		c.JSON(http.StatusOK, gin.H{"url": img.URL})
	case errors.Is(err, domain.ErrUnsupportedType):
		s.metrics.uploads.WithLabelValues("unsupported_type").Inc()
		detail(c, http.StatusBadRequest, "unsupported file type")
	case errors.Is(err, domain.ErrFileTooLarge):
		s.metrics.uploads.WithLabelValues("too_large").Inc()
		detail(c, http.StatusBadRequest, "file exceeds maximum size")
	default:
		s.metrics.uploads.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("upload failed")
		detail(c, http.StatusInternalServerError, "could not store upload")
	}
}

func (s *Server) imagesPage(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		detail(c, http.StatusBadRequest, "page must be an integer")
		return
	}

	p, err := s.store.List(page)
	if err != nil {
		s.logger.Error().Err(err).Msg("list images")
		detail(c, http.StatusInternalServerError, "could not list images")
		return
	}

	c.HTML(http.StatusOK, "images.html", gin.H{
		"images":   p.Images,
		"page":     p.Page,
		"has_next": p.HasNext,
		"prev":     p.Page - 1,
		"next":     p.Page + 1,
	})
}

func (s *Server) image(c *gin.Context) {
	path, err := s.store.Path(c.Param("name"))
	if err != nil {
		detail(c, http.StatusNotFound, "file not found")
		return
	}
	c.File(path)
}

func (s *Server) deleteSelected(c *gin.Context) {
	names, ok := c.GetPostFormArray("filenames")
	if !ok {
		detail(c, http.StatusUnprocessableEntity, "filenames is required")
		return
	}

	deleted, notFound, err := s.store.DeleteMany(names)
	s.metrics.deletes.WithLabelValues("ok").Add(float64(len(deleted)))
	s.metrics.deletes.WithLabelValues("not_found").Add(float64(len(notFound)))
	if err != nil {
		s.logger.Error().Err(err).Msg("delete selected")
		detail(c, http.StatusInternalServerError, "could not delete files")
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "not_found": notFound})
}

func (s *Server) deleteOne(c *gin.Context) {
	err := s.store.Delete(c.Param("filename"))
	switch {
	case err == nil:
		s.metrics.deletes.WithLabelValues("ok").Inc()
		detail(c, http.StatusOK, "file deleted")
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidName):
		s.metrics.deletes.WithLabelValues("not_found").Inc()
		detail(c, http.StatusNotFound, "file not found")
	default:
		s.metrics.deletes.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("delete")
		detail(c, http.StatusInternalServerError, "could not delete file")
	}
}
