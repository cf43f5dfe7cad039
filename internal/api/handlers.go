package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/admission"
	"github.com/JakeFAU/prerender/internal/auth"
	"github.com/JakeFAU/prerender/internal/ratelimit"
	"github.com/JakeFAU/prerender/internal/render"
)

const (
	minTimeoutMs   = 1000
	maxTimeoutMs   = 60000
	maxRequestBody = 64 << 10
)

type renderRequest struct {
	URL             string `json:"url"`
	WaitForSelector string `json:"waitForSelector"`
	TimeoutMs       *int   `json:"timeoutMs"`
}

type jobAccepted struct {
	Status        render.JobStatus `json:"status"`
	JobID         string           `json:"jobId"`
	StatusURL     string           `json:"statusUrl"`
	EstimatedTime int              `json:"estimatedTime"`
}

type usageResponse struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type rateLimitBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

func (s *Server) render(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())

	var req renderRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	opts := render.RenderOptions{WaitForSelector: req.WaitForSelector}
	if req.TimeoutMs != nil {
		if *req.TimeoutMs < minTimeoutMs || *req.TimeoutMs > maxTimeoutMs {
			writeError(w, http.StatusBadRequest, "invalid_request", "timeoutMs must be between 1000 and 60000")
			return
		}
		opts.TimeoutMs = *req.TimeoutMs
	}

	res, err := s.admission.Admit(r.Context(), principal, admission.Request{URL: req.URL, Options: opts})
	if res.Decision.Limit > 0 {
		setRateLimitHeaders(w, res.Decision)
	}
	if err != nil {
		s.writeAdmissionError(w, r, req.URL, err)
		return
	}

	switch res.Outcome {
	case admission.OutcomeHit:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Cache", "HIT")
		w.Header().Set("X-Cache-Location", string(res.Entry.Location))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(res.Entry.HTML); err != nil {
			s.logger.Warn("write cached html failed", zap.Error(err))
		}
	default:
		w.Header().Set("X-Cache", "MISS")
		writeJSON(w, http.StatusAccepted, jobAccepted{
			Status:        res.Job.Status,
			JobID:         res.Job.ID,
			StatusURL:     "/status/" + res.Job.ID,
			EstimatedTime: s.cfg.EstimatedRenderSeconds,
		})
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := s.admission.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, render.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		s.logger.Error("job status lookup failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}
	if job.Status != render.JobStatusCompleted {
		job.StorageKey = ""
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	decision, err := s.admission.Usage(r.Context(), principal)
	if err != nil {
		s.writeAdmissionError(w, r, "", err)
		return
	}
	setRateLimitHeaders(w, decision)
	writeJSON(w, http.StatusOK, usageResponse{
		Limit:     decision.Limit,
		Used:      decision.Used,
		Remaining: decision.Remaining,
		ResetAt:   decision.ResetAt.UTC(),
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, render.ErrUnauthenticated) {
		s.logger.Error("authentication backend failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "authentication unavailable")
		return
	}
	writeJSON(w, http.StatusUnauthorized, errorBody{
		Error:   "unauthorized",
		Message: "missing or invalid credentials",
		Hint:    "send 'Authorization: Bearer <api key>' or sign in to the dashboard",
	})
}

func (s *Server) writeAdmissionError(w http.ResponseWriter, r *http.Request, rawURL string, err error) {
	var (
		invalid *render.InvalidURLError
		sec     *render.SecurityRejectedError
		limited *render.RateLimitExceededError
	)
	switch {
	case errors.Is(err, render.ErrUnauthenticated):
		s.unauthorized(w, r, err)
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "invalid_url",
			Message: invalid.Error(),
			Details: map[string]any{"url": rawURL, "reason": "invalid-url"},
		})
	case errors.As(err, &sec):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "blocked_url",
			Message: "url targets a disallowed destination",
			Details: map[string]any{"url": rawURL, "reason": string(sec.Reason)},
		})
	case errors.As(err, &limited):
		retryAfter := int(time.Until(limited.ResetAt).Seconds() + 0.5)
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, rateLimitBody{
			Error:     "rate_limit_exceeded",
			Message:   limited.Error(),
			Limit:     limited.Limit,
			Used:      limited.Used,
			Remaining: limited.Remaining,
			ResetAt:   limited.ResetAt.UTC(),
		})
	default:
		s.logger.Error("admission failed", zap.String("url", rawURL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to process render request")
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
