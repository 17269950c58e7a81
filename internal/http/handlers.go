package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kjstillabower/trip-weather-service/internal/lifecycle"
	"github.com/kjstillabower/trip-weather-service/internal/models"
	"github.com/kjstillabower/trip-weather-service/internal/observability"
	"github.com/kjstillabower/trip-weather-service/internal/service"
	"github.com/kjstillabower/trip-weather-service/internal/traffic"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

// Resolver resolves trip dates to weather.
type Resolver interface {
	Resolve(ctx context.Context, loc models.Location, dateList []string) ([]models.WeatherCondition, error)
}

// CacheAdmin exposes the maintenance operations of the weather cache.
type CacheAdmin interface {
	CleanupExpired(ctx context.Context) (int, error)
	Clear(ctx context.Context) (int, error)
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	lifecycle.HealthConfig
	// CachePing, when set, is called to check cache reachability.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	resolver         Resolver
	cache            CacheAdmin
	healthConfig     *HealthConfig
	rates            lifecycle.Rates
	maxDates         int
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev lifecycle.Status
}

// NewHandler returns a new Handler. maxDates caps the dates accepted per request.
func NewHandler(resolver Resolver, cacheAdmin CacheAdmin, healthConfig *HealthConfig, maxDates int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if healthConfig == nil {
		healthConfig = &HealthConfig{}
	}
	return &Handler{
		resolver:     resolver,
		cache:        cacheAdmin,
		healthConfig: healthConfig,
		rates:        traffic.Default(),
		maxDates:     maxDates,
		logger:       logger,
	}
}

type locationRequest struct {
	Lat      *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon      *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
	Timezone string   `json:"timezone" validate:"omitempty,max=64"`
}

type resolveRequest struct {
	Location *locationRequest `json:"location" validate:"required"`
	Dates    []string         `json:"dates" validate:"required,min=1,dive,required,max=32"`
}

func (r resolveRequest) location() models.Location {
	return models.Location{Lat: *r.Location.Lat, Lon: *r.Location.Lon, Timezone: strings.TrimSpace(r.Location.Timezone)}
}

type resolveMeta struct {
	Requested  int `json:"requested"`
	Returned   int `json:"returned"`
	Forecast   int `json:"forecast"`
	Historical int `json:"historical"`
	Estimate   int `json:"estimate"`
}

type resolveResponse struct {
	Location models.Location           `json:"location"`
	Days     []models.WeatherCondition `json:"days"`
	Meta     resolveMeta               `json:"meta"`
}

// GetWeather handles GET /weather?lat=&lon=&tz=&dates=a,b.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := resolveRequest{Location: &locationRequest{Timezone: q.Get("tz")}}
	if v := strings.TrimSpace(q.Get("lat")); v != "" {
		lat, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", "lat must be a number")
			return
		}
		req.Location.Lat = &lat
	}
	if v := strings.TrimSpace(q.Get("lon")); v != "" {
		lon, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", "lon must be a number")
			return
		}
		req.Location.Lon = &lon
	}
	for _, d := range strings.Split(q.Get("dates"), ",") {
		if d = strings.TrimSpace(d); d != "" {
			req.Dates = append(req.Dates, d)
		}
	}
	h.resolve(w, r, req)
}

// PostResolve handles POST /weather/resolve with {"location":{...},"dates":[...]}.
func (h *Handler) PostResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON {location:{lat,lon,timezone}, dates:[]}")
		return
	}
	h.resolve(w, r, req)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, req resolveRequest) {
	if err := validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", validationMessage(err))
		return
	}
	if h.maxDates > 0 && len(req.Dates) > h.maxDates {
		writeError(w, r, http.StatusBadRequest, "TOO_MANY_DATES", "at most "+strconv.Itoa(h.maxDates)+" dates per request")
		return
	}

	loc := req.location()
	days, err := h.resolver.Resolve(r.Context(), loc, req.Dates)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	meta := resolveMeta{Requested: len(req.Dates), Returned: len(days)}
	for _, d := range days {
		switch d.Provenance() {
		case "estimate":
			meta.Estimate++
		case "historical":
			meta.Historical++
		default:
			meta.Forecast++
		}
	}
	writeJSON(w, http.StatusOK, resolveResponse{Location: loc, Days: days, Meta: meta})
}

// PostCacheCleanup handles POST /cache/cleanup.
func (h *Handler) PostCacheCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.cache.CleanupExpired(r.Context())
	if err != nil {
		observability.LoggerFromContext(r.Context(), h.logger).Warn("cache cleanup failed", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "cache cleanup failed")
		return
	}
	observability.CacheSweepRemovedTotal.Add(float64(removed))
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// DeleteCache handles DELETE /cache.
func (h *Handler) DeleteCache(w http.ResponseWriter, r *http.Request) {
	removed, err := h.cache.Clear(r.Context())
	if err != nil {
		observability.LoggerFromContext(r.Context(), h.logger).Warn("cache clear failed", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "cache clear failed")
		return
	}
	observability.LoggerFromContext(r.Context(), h.logger).Info("cache cleared", zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// GetHealth handles GET /health. Degraded still answers 200: resolves fall back to
// predictions while providers fail.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := lifecycle.Evaluate(h.healthConfig.HealthConfig, h.rates)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != status {
		h.logger.Info("health status transition",
			zap.String("previous_status", string(prev)),
			zap.String("current_status", string(status)))
	}
	h.healthStatusPrev = status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"upstream": "healthy"}
	if status == lifecycle.StatusDegraded {
		checks["upstream"] = "unhealthy"
	}
	if h.healthConfig.CachePing != nil {
		checks["cache"] = "healthy"
		if h.healthConfig.CachePing() != nil {
			checks["cache"] = "unhealthy"
		}
	}

	code := http.StatusOK
	if status == lifecycle.StatusOverloaded || status == lifecycle.StatusShuttingDown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"service":   "trip-weather-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "resolveRequest.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " must not be empty"
	default:
		return field + " failed " + fe.Tag() + " check"
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps a Resolve failure to a response. Upstream faults never reach here;
// only invalid input and an expired request deadline do.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	observability.LoggerFromContext(r.Context(), nil).Debug("resolve failed", zap.Error(err))
	switch {
	case errors.Is(err, service.ErrInvalidLocation):
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "unable to resolve weather")
	}
}
