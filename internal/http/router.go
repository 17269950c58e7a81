package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/trip-weather-service/internal/observability"
)

// NewRouter wires the routes. Weather routes get the inbound rate limiter and request timeout;
// health and metrics stay reachable under load.
func NewRouter(h *Handler, logger *zap.Logger, limiter *rate.Limiter, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	weather := router.PathPrefix("/weather").Subrouter()
	weather.Use(RateLimitMiddleware(limiter))
	weather.Use(TimeoutMiddleware(requestTimeout))
	weather.HandleFunc("", h.GetWeather).Methods(http.MethodGet)
	weather.HandleFunc("/resolve", h.PostResolve).Methods(http.MethodPost)

	admin := router.PathPrefix("/cache").Subrouter()
	admin.HandleFunc("/cleanup", h.PostCacheCleanup).Methods(http.MethodPost)
	admin.HandleFunc("", h.DeleteCache).Methods(http.MethodDelete)
	return router
}
