package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/plantdoc/service"
)

//go:embed templates/*.html
var templates embed.FS

type Options struct {
	Addr           string
	Token          string
	MaxUploadBytes int64
}

type Server struct {
	ictx    *service.InferenceContext
	opts    Options
	engine  *gin.Engine
	started time.Time
}

func New(ictx *service.InferenceContext, opts Options) (*Server, error) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"add1": func(i int) int { return i + 1 },
	}).ParseFS(templates, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{ictx: ictx, opts: opts, started: time.Now()}
	r := gin.New()
	r.Use(RequestLogger(), gin.Recovery())
	r.SetHTMLTemplate(tmpl)
	r.MaxMultipartMemory = opts.MaxUploadBytes

	r.GET("/", s.IndexHandler)
	r.POST("/analyze", s.AnalyzeHandler)
	r.POST("/predict", s.PredictHandler)
	r.GET("/health", s.HealthHandler)
	s.engine = r
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Listening on", slog.String("address", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
