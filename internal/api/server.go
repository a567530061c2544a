package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"

	"conversion-pipeline/internal/archive"
	"conversion-pipeline/internal/config"
	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/formats"
	"conversion-pipeline/internal/ratelimit"
	"conversion-pipeline/internal/store"
	"conversion-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the conversion API.
type Server struct {
	cfg      config.Config
	svc      *conversion.Service
	limiter  *ratelimit.TokenBucket
	validate *validator.Validate
	logger   *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, svc *conversion.Service, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		svc:      svc,
		limiter:  limiter,
		validate: validator.New(),
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/api/jobs/stats", s.handleStats)

	r.Route("/api/document", func(r chi.Router) {
		r.Get("/options", s.handleOptions)
		r.With(s.rateLimit).Post("/convert", s.handleConvertDocument)
		r.With(s.rateLimit).Post("/convert/start", s.handleStart)
		r.Get("/convert/status/{id}", s.handleStatus)
		r.Get("/convert/download/{id}", s.handleDownload)
		r.Get("/debug", s.handleHistory)
		r.Get("/debug/{conversionId}", s.handleDebug)
	})
	r.With(s.rateLimit).Post("/api/audio/convert", s.handleConvertAudio)
	r.With(s.rateLimit).Post("/api/archive/convert", s.handleArchive)
	r.Get("/api/formats/{kind}", s.handleFormats)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"Content-Disposition", "Retry-After", "X-Archive-Chain",
			"X-Conversion-Id", "X-Document-Type", "X-Output-Profile",
		},
	})
	return c.Handler(r)
}

// rateLimit spends one token per POST from the caller's address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			// Redis trouble should not take conversions down with it.
			s.logger.Warn("rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type startForm struct {
	OutputFormat  string `validate:"required,max=16"`
	DocumentType  string `validate:"omitempty,max=32"`
	OutputProfile string `validate:"omitempty,oneof=legacy modern"`
}

type startResponse struct {
	JobID         string `json:"jobId"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	Message       string `json:"message"`
	QueuePosition *int   `json:"queuePosition,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	file, header, ok := s.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	form := startForm{
		OutputFormat:  strings.TrimSpace(r.FormValue("output_format")),
		DocumentType:  strings.TrimSpace(r.FormValue("document_type")),
		OutputProfile: strings.ToLower(strings.TrimSpace(r.FormValue("output_profile"))),
	}
	if err := s.validate.Struct(form); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	view, err := s.svc.StartJob(r.Context(), conversion.StartRequest{
		Upload:        file,
		Filename:      header.Filename,
		OutputFormat:  form.OutputFormat,
		DocumentType:  form.DocumentType,
		OutputProfile: form.OutputProfile,
		Debug:         parseBool(r.FormValue("debug")),
	})
	switch {
	case errors.Is(err, conversion.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("start conversion failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not queue conversion")
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{
		JobID:         view.JobID,
		Status:        string(view.Status),
		Progress:      view.Progress,
		Message:       view.Message,
		QueuePosition: view.QueuePosition,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.JobStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dl, err := s.svc.OpenDownload(id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
		return
	case errors.Is(err, conversion.ErrConflict):
		writeError(w, http.StatusConflict, "Conversion is not complete")
		return
	case err != nil:
		s.logger.Error("open download failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Converted file is unavailable")
		return
	}
	defer dl.Close()

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", attachment(dl.Name))
	http.ServeContent(w, r, dl.Name, dl.ModTime, dl.File)
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	entry, err := s.svc.Debug(r.Context(), chi.URLParam(r, "conversionId"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Conversion not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.svc.RecentHistory(limit)})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.DocumentOptions())
}

func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	list, ok := s.svc.FormatList(chi.URLParam(r, "kind"))
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown format list")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleConvertDocument runs the same checks as handleStart but converts inside the
// request and streams the result back.
func (s *Server) handleConvertDocument(w http.ResponseWriter, r *http.Request) {
	file, header, ok := s.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	form := startForm{
		OutputFormat:  strings.TrimSpace(r.FormValue("output_format")),
		DocumentType:  strings.TrimSpace(r.FormValue("document_type")),
		OutputProfile: strings.ToLower(strings.TrimSpace(r.FormValue("output_profile"))),
	}
	if err := s.validate.Struct(form); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	tmp, input, ok := s.stage(w, "docconvert_", header.Filename, file)
	if !ok {
		return
	}
	defer os.RemoveAll(tmp)

	res, err := s.svc.ConvertDocument(r.Context(), conversion.ConvertRequest{
		InputPath:     input,
		SourceName:    header.Filename,
		OutputFormat:  form.OutputFormat,
		DocumentType:  form.DocumentType,
		OutputProfile: form.OutputProfile,
		Debug:         parseBool(r.FormValue("debug")),
	})
	if err != nil {
		s.writeConvertError(w, err)
		return
	}
	w.Header().Set("X-Conversion-Id", res.ConversionID)
	w.Header().Set("X-Document-Type", res.DocumentType)
	w.Header().Set("X-Output-Profile", res.OutputProfile)
	serveFile(w, r, res.Output, res.Filename)
}

type audioForm struct {
	OutputFormat string `validate:"required,max=16"`
	Bitrate      string `validate:"omitempty,max=8"`
}

func (s *Server) handleConvertAudio(w http.ResponseWriter, r *http.Request) {
	file, header, ok := s.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	form := audioForm{
		OutputFormat: strings.TrimSpace(r.FormValue("output_format")),
		Bitrate:      strings.TrimSpace(r.FormValue("bitrate")),
	}
	if err := s.validate.Struct(form); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	tmp, input, ok := s.stage(w, "audioconvert_", header.Filename, file)
	if !ok {
		return
	}
	defer os.RemoveAll(tmp)

	res, err := s.svc.ConvertAudio(r.Context(), conversion.ConvertRequest{
		InputPath:    input,
		SourceName:   header.Filename,
		OutputFormat: form.OutputFormat,
		Bitrate:      form.Bitrate,
	})
	if err != nil {
		s.writeConvertError(w, err)
		return
	}
	serveFile(w, r, res.Output, res.Filename)
}

func (s *Server) writeConvertError(w http.ResponseWriter, err error) {
	var verr *formats.ValidationError
	var convErr *conversion.ConversionError
	switch {
	case errors.As(err, &verr):
		body := map[string]any{"error": verr.Message}
		if len(verr.Allowed) > 0 {
			body["allowedOutputs"] = verr.Allowed
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.As(err, &convErr):
		body := map[string]any{"error": convErr.Error()}
		if convErr.ConversionID != "" {
			body["conversionId"] = convErr.ConversionID
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, conversion.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("conversion unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "conversion unavailable")
	}
}

type archiveForm struct {
	OutputFormat string `validate:"required,max=256"`
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	file, header, ok := s.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	form := archiveForm{OutputFormat: strings.TrimSpace(r.FormValue("output_format"))}
	if err := s.validate.Struct(form); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	tmp, input, ok := s.stage(w, "archive_upload_", header.Filename, file)
	if !ok {
		return
	}
	defer os.RemoveAll(tmp)

	name := filepath.Base(input)
	outDir := filepath.Join(tmp, "out")
	if err := os.Mkdir(outDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "could not stage upload")
		return
	}
	output := ""
	if chain, err := s.svc.ParseChain(form.OutputFormat); err == nil {
		output = filepath.Join(outDir, archive.BaseStem(name)+chain[len(chain)-1])
	}

	res, err := s.svc.ConvertArchiveChain(r.Context(), input, form.OutputFormat, output)
	if err != nil {
		var stepErr *archive.StepError
		if errors.As(err, &stepErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      stepErr.Error(),
				"failedStep": stepErr.Step,
				"steps":      stepErr.Steps,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("X-Archive-Chain", strings.Join(res.Chain, " -> "))
	serveFile(w, r, res.Output, filepath.Base(res.Output))
}

// stage saves an upload into a fresh dir under the work dir. The caller removes dir.
func (s *Server) stage(w http.ResponseWriter, prefix, filename string, file io.Reader) (dir, input string, ok bool) {
	dir, err := os.MkdirTemp(s.cfg.WorkDir, prefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not stage upload")
		return "", "", false
	}
	input = filepath.Join(dir, conversion.SafeName(filename))
	if err := save(input, file); err != nil {
		_ = os.RemoveAll(dir)
		writeError(w, http.StatusInternalServerError, "could not stage upload")
		return "", "", false
	}
	return dir, input, true
}

// serveFile sends path as an attachment named name.
func serveFile(w http.ResponseWriter, r *http.Request, path, name string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "converted file is missing")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "converted file is missing")
		return
	}
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", attachment(name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// formFile parses the multipart body and returns the "file" part, writing the error
// response itself when it fails.
func (s *Server) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return nil, nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return nil, nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil || header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file provided")
		return nil, nil, false
	}
	return file, header, true
}

func save(path string, r io.Reader) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", snake(fe.Field()))
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", snake(fe.Field()), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", snake(fe.Field()))
}

// snake turns a form struct field name into its form key.
func snake(field string) string {
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
