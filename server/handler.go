package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/plantdoc/service"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errNoFile       = errors.New("no file uploaded")
	errTooLarge     = errors.New("upload too large")
)

type uploadError struct {
	status int
	msg    string
	err    error
}

func (e *uploadError) Error() string { return e.err.Error() }
func (e *uploadError) Unwrap() error { return e.err }

// authenticate checks the Bearer header. With allowForm, a "token" field of
// an already parsed multipart form is accepted too, for the HTML page.
func (s *Server) authenticate(c *gin.Context, allowForm bool) error {
	expectedToken := s.opts.Token
	if expectedToken == "" {
		return nil
	}
	providedToken := ""
	if auth := c.GetHeader("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		providedToken = auth[7:]
	} else if allowForm && c.Request.MultipartForm != nil {
		if v := c.Request.MultipartForm.Value["token"]; len(v) > 0 {
			providedToken = v[0]
		}
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(expectedToken)) != 1 {
		return errUnauthorized
	}

	return nil
}

// multipartOverhead is allowed on top of the file limit for boundaries,
// part headers and the other form fields.
const multipartOverhead = 64 << 10

// readUpload returns the bytes of the "file" form field.
func (s *Server) readUpload(c *gin.Context) ([]byte, error) {
	limit := s.opts.MaxUploadBytes
	tooLarge := &uploadError{http.StatusRequestEntityTooLarge, fmt.Sprintf("The file is too large (max %s).", formatSize(limit)), errTooLarge}
	if c.Request.ContentLength > limit+multipartOverhead {
		return nil, tooLarge
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, tooLarge
		}
		return nil, &uploadError{http.StatusBadRequest, "No file uploaded.", errNoFile}
	}
	if fileHeader.Size > limit {
		return nil, tooLarge
	}

	file, err := fileHeader.Open()
	if err != nil {
		return nil, &uploadError{http.StatusBadRequest, "Could not open the uploaded file.", err}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, &uploadError{http.StatusBadRequest, "Could not read the uploaded file.", err}
	}
	slog.Debug("Received upload",
		slog.String("request_id", requestID(c)),
		slog.String("filename", fileHeader.Filename),
		slog.Int64("size", fileHeader.Size),
	)
	return data, nil
}

func formatSize(n int64) string {
	if n >= 1<<20 {
		return fmt.Sprintf("%d MB", n>>20)
	}
	if n >= 1<<10 {
		return fmt.Sprintf("%d KB", n>>10)
	}
	return fmt.Sprintf("%d bytes", n)
}

func statusFor(err error) int {
	var ue *uploadError
	switch {
	case errors.As(err, &ue):
		return ue.status
	case errors.Is(err, service.ErrDecode):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(err error) string {
	var ue *uploadError
	if errors.As(err, &ue) {
		return ue.msg
	}
	return service.UserMessage(err)
}

func (s *Server) logFailure(c *gin.Context, err error) {
	attrs := []any{
		slog.String("request_id", requestID(c)),
		slog.String("error", err.Error()),
	}
	if statusFor(err) >= http.StatusInternalServerError {
		slog.Error("Prediction failed", attrs...)
	} else {
		slog.Warn("Rejected upload", attrs...)
	}
}

type predictResponse struct {
	Label          string              `json:"label"`
	Confidence     float64             `json:"confidence"`
	ConfidenceText string              `json:"confidence_text"`
	Top            []service.Score     `json:"top"`
	Advice         service.DiseaseInfo `json:"advice"`
}

func (s *Server) PredictHandler(c *gin.Context) {
	if err := s.authenticate(c, false); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed."})
		return
	}

	data, err := s.readUpload(c)
	if err == nil {
		var d *service.Diagnosis
		d, err = s.ictx.Analyze(c.Request.Context(), data)
		if err == nil {
			c.JSON(http.StatusOK, predictResponse{
				Label:          d.Label,
				Confidence:     d.Confidence,
				ConfidenceText: d.ConfidenceText(),
				Top:            d.Top,
				Advice:         d.Advice,
			})
			return
		}
	}
	s.logFailure(c, err)
	c.JSON(statusFor(err), gin.H{"error": messageFor(err)})
}

type pageData struct {
	Diagnosis     *service.Diagnosis
	Error         string
	TokenRequired bool
}

func (s *Server) render(c *gin.Context, status int, d pageData) {
	d.TokenRequired = s.opts.Token != ""
	c.HTML(status, "index.html", d)
}

func (s *Server) IndexHandler(c *gin.Context) {
	s.render(c, http.StatusOK, pageData{})
}

// AnalyzeHandler serves the upload form. When a token is configured the
// form must carry it in its "token" field (or a Bearer header).
func (s *Server) AnalyzeHandler(c *gin.Context) {
	data, err := s.readUpload(c)
	if errors.Is(err, errTooLarge) {
		s.logFailure(c, err)
		s.render(c, http.StatusRequestEntityTooLarge, pageData{Error: messageFor(err)})
		return
	}
	if authErr := s.authenticate(c, true); authErr != nil {
		slog.Warn("Rejected upload",
			slog.String("request_id", requestID(c)),
			slog.String("error", authErr.Error()),
		)
		s.render(c, http.StatusUnauthorized, pageData{Error: "Authentication failed."})
		return
	}
	if err == nil {
		var d *service.Diagnosis
		d, err = s.ictx.Analyze(c.Request.Context(), data)
		if err == nil {
			s.render(c, http.StatusOK, pageData{Diagnosis: d})
			return
		}
	}
	s.logFailure(c, err)
	s.render(c, statusFor(err), pageData{Error: messageFor(err)})
}

func (s *Server) HealthHandler(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"classes": s.ictx.NumClasses(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			resp["memory_rss"] = mem.RSS
		}
	}
	c.JSON(http.StatusOK, resp)
}
