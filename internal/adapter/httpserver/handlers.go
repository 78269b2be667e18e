package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clipforge/orchestrator/internal/domain"
	"github.com/clipforge/orchestrator/internal/pipeline"
	"github.com/clipforge/orchestrator/internal/usecase"
)

// Server bundles the REST handlers.
type Server struct {
	submit   *usecase.SubmitService
	status   *usecase.StatusService
	bus      *pipeline.Bus
	validate *validator.Validate
}

// NewServer constructs the handler set.
func NewServer(submit *usecase.SubmitService, status *usecase.StatusService, bus *pipeline.Bus) *Server {
	return &Server{
		submit:   submit,
		status:   status,
		bus:      bus,
		validate: validator.New(),
	}
}

type convertRequest struct {
	URL     string `json:"url" validate:"required,max=2048"`
	Format  string `json:"format" validate:"required,oneof=mp3 mp4"`
	Quality string `json:"quality" validate:"required,max=16"`
}

// ConvertHandler admits a new conversion job.
func (s *Server) ConvertHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req convertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, domain.NewError(domain.KindInvalidURL))
			return
		}
		if err := s.validate.Struct(req); err != nil {
			kind := domain.KindInvalidURL
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					if fe.Field() != "URL" {
						kind = domain.KindUnsupportedFormat
						break
					}
				}
			}
			writeError(w, r, domain.NewError(kind))
			return
		}

		j, err := s.submit.Submit(r.Context(), req.URL, req.Format, req.Quality)
		if err != nil {
			writeError(w, r, err)
			return
		}
		LoggerFrom(r).Info("job submitted",
			slog.String("job_id", j.ID),
			slog.String("platform", string(j.Platform)),
			slog.String("format", string(j.Format)))
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"jobId":   j.ID,
			"status":  j.Status,
		})
	}
}

// StatusHandler returns the flat job status object.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobId")
		view, err := s.status.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse(view))
	}
}

func statusResponse(view usecase.StatusView) map[string]any {
	j := view.Job
	out := map[string]any{
		"success":  true,
		"jobId":    j.ID,
		"status":   j.Status,
		"progress": j.Progress,
	}
	if j.CurrentStep != "" {
		out["currentStep"] = j.CurrentStep
	}
	if j.Metadata != nil {
		out["metadata"] = j.Metadata
	}
	if j.Status == domain.JobCompleted && j.DownloadURL != "" {
		out["downloadUrl"] = j.DownloadURL
		out["filename"] = j.Filename()
	}
	if view.QueuePosition != nil {
		out["queuePosition"] = *view.QueuePosition
	}
	if view.EstimatedSecondsRemaining != nil {
		out["estimatedTimeRemaining"] = *view.EstimatedSecondsRemaining
	}
	if j.Status == domain.JobFailed && j.Error != nil {
		out["error"] = toAPIError(j.Error)
	}
	return out
}

// CancelHandler delivers a user cancellation for a job.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobId")
		if err := s.status.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": id})
	}
}

type validateRequest struct {
	URL string `json:"url" validate:"required,max=2048"`
}

// ValidateHandler checks a URL without creating a job.
func (s *Server) ValidateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"isValid": false,
				"error":   toAPIError(domain.NewError(domain.KindInvalidURL)),
			})
			return
		}
		res := s.submit.Validate(r.Context(), req.URL)
		out := map[string]any{"isValid": res.Valid}
		if res.Platform != "" {
			out["platform"] = res.Platform
		}
		if res.Valid {
			out["videoId"] = res.VideoID
			out["normalizedUrl"] = res.NormalizedURL
			if res.Metadata != nil {
				out["metadata"] = res.Metadata
			}
		}
		if res.Err != nil {
			out["error"] = toAPIError(res.Err)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// PlatformsHandler lists supported platforms and quality options.
func (s *Server) PlatformsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"platforms": s.submit.Platforms(),
		})
	}
}

type progressCallback struct {
	JobID    string `json:"job_id" validate:"required"`
	Progress int    `json:"progress" validate:"min=0,max=100"`
	Step     string `json:"step"`
}

// ProgressCallbackHandler receives processor progress pushes. It is mounted
// on the internal router, not exposed publicly.
func (s *Server) ProgressCallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cb progressCallback
		if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
			writeError(w, r, domain.NewError(domain.KindInvalidURL))
			return
		}
		if err := s.validate.Struct(cb); err != nil {
			writeError(w, r, domain.NewError(domain.KindInvalidURL))
			return
		}
		delivered := s.bus.Publish(domain.ProgressSnapshot{
			JobID:    cb.JobID,
			Progress: cb.Progress,
			Step:     cb.Step,
		})
		if !delivered {
			// No worker holds the job; the callback is late or the job was
			// recovered. Accepted but dropped.
			LoggerFrom(r).Debug("progress callback without worker", slog.String("job_id", cb.JobID))
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// HealthzHandler reports process liveness.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports dependency readiness from the supplied probes.
func ReadyzHandler(probes map[string]func(ctx domain.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]string, len(probes))
		healthy := true
		for name, probe := range probes {
			if err := probe(r.Context()); err != nil {
				healthy = false
				out[name] = err.Error()
				continue
			}
			out[name] = "ok"
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, out)
	}
}
