package http

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/ratelimit"
	"keymint/internal/services"
	"keymint/pkg/contracts/domain"
)

var validate = validator.New()

// LicenseHandler serves the license operation endpoints
type LicenseHandler struct {
	service *services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a license handler
func NewLicenseHandler(service *services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the /api/license subrouter
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/validate", h.Validate)
	r.Post("/validate/token", h.ValidateWithToken)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Get("/{key}/validate", h.ValidateByPath)
	r.Get("/{key}/validate/token", h.ValidateWithTokenByPath)
	r.Get("/{key}/status", h.Status)
	r.Get("/{key}/activations", h.Activations)

	return r
}

// BatchRoutes returns the /api/licenses subrouter
func (h *LicenseHandler) BatchRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/batch", h.Batch)
	return r
}

// clientIP extracts the caller address. RealIP middleware has already
// rewritten RemoteAddr from X-Forwarded-For where applicable.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decode parses and validates a JSON request body
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.InvalidRequestWithError(err)
	}
	if err := validate.Struct(v); err != nil {
		return apperrors.InvalidRequestWithError(err)
	}
	return nil
}

// setRateHeaders stamps the rate-limit headers every license response carries
func setRateHeaders(w http.ResponseWriter, rl ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
}

// respondError renders a domain error as RFC 7807, adding Retry-After for
// rate-limit denials.
func (h *LicenseHandler) respondError(w http.ResponseWriter, r *http.Request, err error, rl *ratelimit.Result) {
	if rl != nil {
		setRateHeaders(w, *rl)
		if !rl.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter(time.Now().UTC())))
		}
	}
	pd := apperrors.MapLicenseError(err, r.URL.Path, infrastructure.GetTraceID(r.Context()))
	w.Header().Set("Content-Type", "application/problem+json")
	render.Status(r, pd.Status)
	render.JSON(w, r, pd)
}

// Validate handles POST /api/license/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req domain.ValidateRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, nil)
		return
	}

	resp, rl, err := h.service.Validate(r.Context(), clientIP(r),
		req.LicenseKey, req.MachineFingerprint, req.MachineID)
	if err != nil {
		h.respondError(w, r, err, &rl)
		return
	}
	setRateHeaders(w, rl)
	render.JSON(w, r, resp)
}

// ValidateWithToken handles POST /api/license/validate/token
func (h *LicenseHandler) ValidateWithToken(w http.ResponseWriter, r *http.Request) {
	var req domain.ValidateRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, nil)
		return
	}

	resp, rl, err := h.service.IssueToken(r.Context(), clientIP(r),
		req.LicenseKey, req.MachineFingerprint, req.MachineID)
	if err != nil {
		h.respondError(w, r, err, &rl)
		return
	}
	setRateHeaders(w, rl)
	render.JSON(w, r, resp)
}

// machineParams reads the optional machine identifiers from the query string
// of the GET validation aliases.
func machineParams(r *http.Request) (fingerprint, machineID string) {
	q := r.URL.Query()
	return q.Get("machine_fingerprint"), q.Get("machine_id")
}

// ValidateByPath handles GET /api/license/{key}/validate for clients that
// cannot send a request body
func (h *LicenseHandler) ValidateByPath(w http.ResponseWriter, r *http.Request) {
	fingerprint, machineID := machineParams(r)
	resp, rl, err := h.service.Validate(r.Context(), clientIP(r),
		chi.URLParam(r, "key"), fingerprint, machineID)
	if err != nil {
		h.respondError(w, r, err, &rl)
		return
	}
	setRateHeaders(w, rl)
	render.JSON(w, r, resp)
}

// ValidateWithTokenByPath handles GET /api/license/{key}/validate/token
func (h *LicenseHandler) ValidateWithTokenByPath(w http.ResponseWriter, r *http.Request) {
	fingerprint, machineID := machineParams(r)
	resp, rl, err := h.service.IssueToken(r.Context(), clientIP(r),
		chi.URLParam(r, "key"), fingerprint, machineID)
	if err != nil {
		h.respondError(w, r, err, &rl)
		return
	}
	setRateHeaders(w, rl)
	render.JSON(w, r, resp)
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req domain.ActivateRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, nil)
		return
	}

	resp, rl, err := h.service.Activate(r.Context(), clientIP(r), &req)
	if err != nil {
		h.respondError(w, r, err, &rl)
		return
	}
	setRateHeaders(w, rl)
	render.JSON(w, r, resp)
}

// Deactivate handles POST /api/license/deactivate
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req domain.DeactivateRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, nil)
		return
	}

	resp, rl, err := h.service.Deactivate(r.Context(), clientIP(r), &req)
	if err != nil {
		h.respondError(w, r, err, &rl)
		return
	}
	setRateHeaders(w, rl)
	render.JSON(w, r, resp)
}

// Status handles GET /api/license/{key}/status
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	st, rl, err := h.service.Status(r.Context(), clientIP(r), key)
	if err != nil {
		h.respondError(w, r, err, &rl)
		return
	}
	setRateHeaders(w, rl)
	render.JSON(w, r, st)
}

// Activations handles GET /api/license/{key}/activations
func (h *LicenseHandler) Activations(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	resp, rl, err := h.service.History(r.Context(), clientIP(r), key, limit)
	if err != nil {
		h.respondError(w, r, err, &rl)
		return
	}
	setRateHeaders(w, rl)
	render.JSON(w, r, resp)
}

// Batch handles POST /api/licenses/batch
func (h *LicenseHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, nil)
		return
	}

	resp, rl, err := h.service.Batch(r.Context(), clientIP(r), &req)
	if err != nil {
		h.respondError(w, r, err, &rl)
		return
	}
	setRateHeaders(w, rl)
	render.JSON(w, r, resp)
}
