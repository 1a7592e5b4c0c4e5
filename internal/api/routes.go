package api

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vhisto/server/internal/cache"
	"github.com/vhisto/server/internal/config"
	"github.com/vhisto/server/internal/normalize"
	"github.com/vhisto/server/internal/service"
	"github.com/vhisto/server/internal/stack"
	"github.com/vhisto/server/internal/volume"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *SampleRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Cache       *cache.Manager
	// Export holds the server-side export defaults; job requests may only
	// narrow them and write below Export.OutputRoot.
	Export config.ExportConfig
}

type ctxKey int

const sampleServiceKey ctxKey = iota

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/samples", samplesHandler(cfg.Registry))
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	// Export jobs are global; the sample is named in the request body.
	r.Route("/api/export/jobs", func(r chi.Router) {
		r.Post("/", exportJobSubmitHandler(cfg.JobManager, cfg.Registry, cfg.Export))
		r.Get("/{job_id}", exportJobStatusHandler(cfg.JobManager))
		r.Get("/{job_id}/failures", exportJobFailuresHandler(cfg.JobManager))
		r.Delete("/{job_id}", exportJobCancelHandler(cfg.JobManager))
	})

	// Sample-scoped routes: /s/{sample}/...
	r.Route("/s/{sample}", func(r chi.Router) {
		r.Use(sampleMiddleware(cfg.Registry))

		r.Get("/api/info", infoHandler)
		r.Get("/api/suggest", suggestHandler)
		r.Get("/api/jobs", sampleJobsHandler(cfg.JobManager))
		r.Get("/preview/{channel}/{level}/{z}.png", previewHandler)
		r.Get("/falsecolor/{level}/{z}.png", falseColorHandler)
	})

	return r
}

// sampleMiddleware resolves {sample} and stores its service in the request context.
func sampleMiddleware(registry *SampleRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sampleID := chi.URLParam(r, "sample")
			svc := registry.Get(sampleID)
			if svc == nil {
				http.Error(w, "sample not found: "+sampleID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), sampleServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSampleService(r *http.Request) *service.SampleService {
	if svc, ok := r.Context().Value(sampleServiceKey).(*service.SampleService); ok {
		return svc
	}
	return nil
}

// statusFor maps pipeline error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, volume.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, volume.ErrOutOfBounds):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, volume.ErrIO):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// samplesHandler returns the list of available samples.
func samplesHandler(registry *SampleRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default": registry.DefaultSampleID(),
			"samples": registry.Samples(),
		})
	}
}

func cacheStatsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cm == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, cm.Stats())
	}
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSampleService(r)
	if svc == nil {
		http.Error(w, "sample service not available", http.StatusInternalServerError)
		return
	}
	info, err := svc.Info()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// queryParams parses optional query values, remembering the first error.
type queryParams struct {
	r   *http.Request
	err error
}

func (q *queryParams) has(name string) bool {
	return q.r.URL.Query().Get(name) != ""
}

func (q *queryParams) intOr(name string, def int) int {
	s := q.r.URL.Query().Get(name)
	if s == "" || q.err != nil {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		q.err = volume.Configf("api.query", "invalid %s %q", name, s)
		return def
	}
	return v
}

func (q *queryParams) floatOr(name string, def float64) float64 {
	s := q.r.URL.Query().Get(name)
	if s == "" || q.err != nil {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		q.err = volume.Configf("api.query", "invalid %s %q", name, s)
		return def
	}
	return v
}

func (q *queryParams) boolOr(name string, def bool) bool {
	s := q.r.URL.Query().Get(name)
	if s == "" || q.err != nil {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		q.err = volume.Configf("api.query", "invalid %s %q", name, s)
		return def
	}
	return v
}

// pathInt parses an integer URL parameter.
func pathInt(r *http.Request, name string) (int, error) {
	s := chi.URLParam(r, name)
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, volume.Configf("api.path", "invalid %s %q", name, s)
	}
	return v, nil
}

// window reads x0, x1, y0, y1. Each axis needs both bounds or neither.
func (q *queryParams) window() service.Window {
	var w service.Window
	for _, axis := range []struct {
		lo, hi string
		dst    *volume.Range
	}{{"y0", "y1", &w.Y}, {"x0", "x1", &w.X}} {
		if q.has(axis.lo) != q.has(axis.hi) && q.err == nil {
			q.err = volume.Configf("api.query", "%s and %s must be given together", axis.lo, axis.hi)
		}
		*axis.dst = volume.Range{Start: q.intOr(axis.lo, 0), End: q.intOr(axis.hi, 0)}
	}
	return w
}

// clip reads an optional <prefix>low / <prefix>high pair.
func (q *queryParams) clip(prefix string) *volume.Clip {
	lo, hi := prefix+"low", prefix+"high"
	if !q.has(lo) && !q.has(hi) {
		return nil
	}
	if q.has(lo) != q.has(hi) {
		if q.err == nil {
			q.err = volume.Configf("api.query", "%s and %s must be given together", lo, hi)
		}
		return nil
	}
	c := volume.Clip{Low: q.floatOr(lo, 0), High: q.floatOr(hi, 0)}
	if q.err == nil {
		q.err = c.Validate()
	}
	return &c
}

// mark reads mark=x0,y0,x1,y1 in window pixel coordinates.
func (q *queryParams) mark() *image.Rectangle {
	s := q.r.URL.Query().Get("mark")
	if s == "" || q.err != nil {
		return nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		q.err = volume.Configf("api.query", "mark must be x0,y0,x1,y1")
		return nil
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			q.err = volume.Configf("api.query", "invalid mark %q", s)
			return nil
		}
		v[i] = n
	}
	rect := image.Rect(v[0], v[1], v[2], v[3])
	return &rect
}

func previewHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSampleService(r)
	if svc == nil {
		http.Error(w, "sample service not available", http.StatusInternalServerError)
		return
	}
	level, err := pathInt(r, "level")
	if err != nil {
		writeError(w, err)
		return
	}
	z, err := pathInt(r, "z")
	if err != nil {
		writeError(w, err)
		return
	}

	q := &queryParams{r: r}
	req := service.PreviewRequest{
		Channel:  chi.URLParam(r, "channel"),
		Level:    level,
		Z:        z,
		Window:   q.window(),
		Clip:     q.clip(""),
		Colormap: r.URL.Query().Get("colormap"),
		Mark:     q.mark(),
	}
	if q.err != nil {
		writeError(w, q.err)
		return
	}

	data, err := svc.Preview(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writePNG(w, data)
}

func falseColorHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSampleService(r)
	if svc == nil {
		http.Error(w, "sample service not available", http.StatusInternalServerError)
		return
	}
	level, err := pathInt(r, "level")
	if err != nil {
		writeError(w, err)
		return
	}
	z, err := pathInt(r, "z")
	if err != nil {
		writeError(w, err)
		return
	}

	query := r.URL.Query()
	q := &queryParams{r: r}
	req := service.FalseColorRequest{
		Level:       level,
		Z:           z,
		Window:      q.window(),
		Recipe:      query.Get("recipe"),
		Nuclear:     query.Get("nuc"),
		Second:      query.Get("second"),
		NuclearClip: q.clip("nuc_"),
		SecondClip:  q.clip("second_"),
		DisplayClip: q.boolOr("display_clip", false),
		Mark:        q.mark(),
	}
	if q.err != nil {
		writeError(w, q.err)
		return
	}

	data, err := svc.FalseColorPreview(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writePNG(w, data)
}

func suggestHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSampleService(r)
	if svc == nil {
		http.Error(w, "sample service not available", http.StatusInternalServerError)
		return
	}
	query := r.URL.Query()
	channel := query.Get("channel")
	if channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	mode := normalize.SuggestMode(query.Get("mode"))
	switch mode {
	case "":
		mode = normalize.SuggestBackground
	case normalize.SuggestBackground, normalize.SuggestPercentile:
	default:
		http.Error(w, "invalid mode: "+string(mode), http.StatusBadRequest)
		return
	}
	q := &queryParams{r: r}
	level := q.intOr("level", 0)
	z := q.intOr("z", 0)
	if q.err != nil {
		writeError(w, q.err)
		return
	}

	clip, err := svc.SuggestClip(r.Context(), channel, level, z, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel": channel,
		"level":   level,
		"z":       z,
		"mode":    mode,
		"clip":    clip,
	})
}

// exportJobSubmitRequest is the body of POST /api/export/jobs.
type exportJobSubmitRequest struct {
	Sample    string     `json:"sample"`
	ROI       volume.ROI `json:"roi"`
	ReadLevel int        `json:"read_level"`
	// Channels restricts the per-channel outputs; empty exports all.
	Channels      []string               `json:"channels"`
	Clips         map[string]volume.Clip `json:"clips"`
	SkipComposite bool                   `json:"skip_composite"`
	Recipe        string                 `json:"recipe"`
	Augmentations []string               `json:"augmentations"`
	Headroom      *int                   `json:"headroom"`
	ClampZ        bool                   `json:"clamp_z"`
	FullStack     bool                   `json:"full_stack"`
	// OutputDir is relative to the server's export root.
	OutputDir string `json:"output_dir"`
}

// outputRoot joins a client directory below root, refusing escapes.
func outputRoot(root, dir string) (string, error) {
	if dir == "" {
		return root, nil
	}
	if filepath.IsAbs(dir) {
		return "", volume.Configf("api.export", "output_dir must be relative")
	}
	clean := filepath.Clean(dir)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", volume.Configf("api.export", "output_dir %q escapes the export root", dir)
	}
	return filepath.Join(root, clean), nil
}

// buildExportRequest turns a submitted body into a planned stack request.
func buildExportRequest(svc *service.SampleService, exp config.ExportConfig, body exportJobSubmitRequest) (stack.Request, int, error) {
	root, err := outputRoot(exp.OutputRoot, body.OutputDir)
	if err != nil {
		return stack.Request{}, 0, err
	}
	exp.OutputRoot = root
	if len(body.Channels) > 0 {
		exp.Channels = body.Channels
	}
	if len(body.Augmentations) > 0 {
		exp.Augmentations = body.Augmentations
	}
	if body.Headroom != nil {
		exp.Headroom = *body.Headroom
	}
	exp.ClampZ = exp.ClampZ || body.ClampZ
	exp.SkipComposite = exp.SkipComposite || body.SkipComposite

	req, err := svc.NewRequest(exp, body.ROI, body.ReadLevel)
	if err != nil {
		return stack.Request{}, 0, err
	}
	if body.Recipe != "" && req.Composite != nil {
		comp, err := svc.Composite(body.Recipe, "", "")
		if err != nil {
			return stack.Request{}, 0, err
		}
		req.Composite = comp
	}
	for tok, clip := range body.Clips {
		if err := clip.Validate(); err != nil {
			return stack.Request{}, 0, err
		}
		matched := false
		for i := range req.Channels {
			if req.Channels[i].Token == tok {
				req.Channels[i].Clip = clip
				matched = true
			}
		}
		if req.Composite != nil {
			if req.Composite.Nuclear.Token == tok {
				req.Composite.Nuclear.Clip = clip
				matched = true
			}
			if req.Composite.Second.Token == tok {
				req.Composite.Second.Clip = clip
				matched = true
			}
		}
		if !matched {
			return stack.Request{}, 0, volume.Configf("api.export", "clip for %q matches no exported channel", tok)
		}
	}
	if body.FullStack {
		req.FullStack = true
		req.Channels = nil
	}

	engine, err := svc.Engine(exp)
	if err != nil {
		return stack.Request{}, 0, err
	}
	plan, err := engine.Plan(req)
	if err != nil {
		return stack.Request{}, 0, err
	}
	return req, len(plan.Units), nil
}

func exportJobSubmitHandler(jm *JobManager, registry *SampleRegistry, exp config.ExportConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var body exportJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if body.Sample == "" {
			body.Sample = registry.DefaultSampleID()
		}
		svc := registry.Get(body.Sample)
		if svc == nil {
			http.Error(w, "sample not found: "+body.Sample, http.StatusNotFound)
			return
		}

		req, units, err := buildExportRequest(svc, exp, body)
		if err != nil {
			writeError(w, err)
			return
		}

		job, err := jm.Submit(body.Sample, req, units)
		if err != nil {
			if errors.Is(err, ErrQueueFull) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
			"units":  units,
		})
	}
}

func exportJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func exportJobFailuresHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		if jm.Get(jobID) == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		// Parse pagination params
		offset, limit := 0, 100
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = min(v, 1000)
			}
		}

		items, total, err := jm.Store().QueryFailures(jobID, offset, limit)
		if err != nil {
			http.Error(w, "failed to query failures: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total":  total,
			"offset": offset,
			"limit":  limit,
			"items":  items,
		})
	}
}

// exportJobCancelHandler cancels an active job, or deletes a finished one.
func exportJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if job.Status.Terminal() {
			if err := jm.Delete(jobID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "deleted": true})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}

func sampleJobsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.Store().ListJobsBySample(chi.URLParam(r, "sample"))
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}
