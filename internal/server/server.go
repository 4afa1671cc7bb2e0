// Package server exposes the gallery over HTTP.
package server

import (
	"io/fs"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/gallery"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Options configures the HTTP application.
type Options struct {
	Store  *gallery.Store
	Logger zerolog.Logger

	// StaticDir overrides the embedded static assets when set.
	StaticDir string

	// Registry receives the server's metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

// Server is the gallery web application.
type Server struct {
	store   *gallery.Store
	logger  zerolog.Logger
	metrics *metrics
	engine  *gin.Engine
}

// New builds the router.
func New(opts Options) *Server {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		store:   opts.Store,
		logger:  opts.Logger.With().Str("component", "http").Logger(),
		metrics: newMetrics(reg),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger), requestMetrics(s.metrics))
	r.SetHTMLTemplate(loadTemplates())

	var static fs.FS = staticAssets()
	if opts.StaticDir != "" {
		static = os.DirFS(opts.StaticDir)
	}
	r.StaticFS("/static", http.FS(static))

	r.GET("/", s.index)
	r.GET("/upload", s.uploadPage)
	r.POST("/upload", s.upload)
	r.GET("/images", s.imagesPage)
	r.GET("/images/:name", s.image)
	r.POST("/delete-selected", s.deleteSelected)
	r.POST("/delete/:filename", s.deleteOne)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	s.engine = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}
