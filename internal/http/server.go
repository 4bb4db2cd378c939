package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"schoolpass/tagging/internal/auth"
	"schoolpass/tagging/internal/config"
	"schoolpass/tagging/internal/engine"
)

type Server struct {
	cfg      config.Config
	engine   *engine.Engine
	redis    *redis.Client
	log      *zap.Logger
	limiters *rateLimiters
	cacheTTL time.Duration
}

func NewServer(cfg config.Config, eng *engine.Engine, redisClient *redis.Client, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		engine:   eng,
		redis:    redisClient,
		log:      log,
		limiters: newRateLimiters(cfg.RateLimitPerMinute),
		cacheTTL: cfg.StatsCacheTTL,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.readerAuthMiddleware, s.deviceRateLimit).Post("/tagging/process", s.handleProcessTagging)
	r.With(s.readerAuthMiddleware).Post("/tagging/confirm", s.handleConfirmAttendance)
	r.With(s.authMiddleware).Post("/tagging/register", s.handleRegisterUID)
	r.With(s.authMiddleware).Get("/tagging/stats", s.handleTaggingStats)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// readerAuthMiddleware gates the scan endpoints behind the shared reader
// token. An empty configured token leaves them open for local development.
func (s *Server) readerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ReaderAPIToken != "" {
			presented := strings.TrimSpace(r.Header.Get("X-Reader-Token"))
			if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.ReaderAPIToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid_reader_token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) deviceRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Device-ID"))
		if key == "" {
			key = r.RemoteAddr
		}
		if !s.limiters.allow(key) {
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("device_id", r.Header.Get("X-Device-ID")))
	})
}

// Models

type processTaggingRequest struct {
	UID        string `json:"uid"`
	DeviceType string `json:"deviceType"`
	Location   string `json:"location"`
}

type sessionResponse struct {
	UserID              string `json:"userId"`
	Status              string `json:"status"`
	CheckedInAt         int64  `json:"checkedInAt,omitempty"`
	LastEventAt         int64  `json:"lastEventAt"`
	LastLocation        string `json:"lastLocation,omitempty"`
	ConsecutiveTagCount int    `json:"consecutiveTagCount"`
}

type processTaggingResponse struct {
	Success   bool            `json:"success"`
	EventType string          `json:"eventType"`
	Message   string          `json:"message"`
	Session   sessionResponse `json:"session"`
}

type confirmAttendanceRequest struct {
	UID           string `json:"uid"`
	ReservationID string `json:"reservationId"`
	// Points omitted or zero credits the configured default amount.
	Points int `json:"points"`
}

type confirmAttendanceResponse struct {
	Success        bool `json:"success"`
	PointsAwarded  int  `json:"pointsAwarded"`
	AlreadyAwarded bool `json:"alreadyAwarded"`
	NewBalance     int  `json:"newBalance"`
}

type registerUIDRequest struct {
	UID      string `json:"uid"`
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
	Replace  bool   `json:"replace"`
}

type registerUIDResponse struct {
	Success  bool   `json:"success"`
	UID      string `json:"uid"`
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
	LinkedAt int64  `json:"linkedAt"`
}

// Handlers

func (s *Server) handleProcessTagging(w http.ResponseWriter, r *http.Request) {
	var req processTaggingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.UID) == "" {
		writeError(w, http.StatusBadRequest, "missing_uid")
		return
	}
	if strings.TrimSpace(req.DeviceType) == "" {
		writeError(w, http.StatusBadRequest, "missing_device_type")
		return
	}

	result, err := s.engine.ProcessTag(r.Context(), engine.ScanRequest{
		UID:        strings.TrimSpace(req.UID),
		DeviceType: strings.TrimSpace(req.DeviceType),
		Location:   strings.TrimSpace(req.Location),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, processTaggingResponse{
		Success:   true,
		EventType: string(result.EventType),
		Message:   result.Message,
		Session:   mapSession(result.Session),
	})
}

func (s *Server) handleConfirmAttendance(w http.ResponseWriter, r *http.Request) {
	var req confirmAttendanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.UID) == "" {
		writeError(w, http.StatusBadRequest, "missing_uid")
		return
	}
	if req.Points < 0 || req.Points > engine.MaxAwardAmount {
		writeError(w, http.StatusBadRequest, "invalid_points")
		return
	}

	result, err := s.engine.ConfirmAttendance(r.Context(), engine.ConfirmRequest{
		UID:           strings.TrimSpace(req.UID),
		ReservationID: strings.TrimSpace(req.ReservationID),
		Points:        req.Points,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, confirmAttendanceResponse{
		Success:        true,
		PointsAwarded:  result.PointsAwarded,
		AlreadyAwarded: result.AlreadyAwarded,
		NewBalance:     result.NewBalance,
	})
}

func (s *Server) handleRegisterUID(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "admin" && claims.UserType != "staff" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req registerUIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.UID) == "" {
		writeError(w, http.StatusBadRequest, "missing_uid")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id")
		return
	}
	if !engine.ValidUserType(req.UserType) {
		writeError(w, http.StatusBadRequest, "invalid_user_type")
		return
	}

	link, err := s.engine.RegisterTag(r.Context(), engine.RegisterRequest{
		UID:      strings.TrimSpace(req.UID),
		UserID:   userID,
		UserType: req.UserType,
		Replace:  req.Replace,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, registerUIDResponse{
		Success:  true,
		UID:      link.UID,
		UserID:   link.UserID.String(),
		UserType: link.UserType,
		LinkedAt: link.LinkedAt.Unix(),
	})
}

func (s *Server) handleTaggingStats(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "admin" && claims.UserType != "staff" && claims.UserType != "teacher" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	startRaw := r.URL.Query().Get("startDate")
	endRaw := r.URL.Query().Get("endDate")
	if startRaw == "" {
		writeError(w, http.StatusBadRequest, "missing_start_date")
		return
	}
	if endRaw == "" {
		writeError(w, http.StatusBadRequest, "missing_end_date")
		return
	}
	start, err := time.ParseInLocation("2006-01-02", startRaw, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start_date")
		return
	}
	end, err := time.ParseInLocation("2006-01-02", endRaw, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end_date")
		return
	}

	userType := r.URL.Query().Get("userType")
	eventType := r.URL.Query().Get("eventType")

	cacheKey := statsCacheKey(startRaw, endRaw, userType, eventType)
	if cached, ok := s.loadCachedStats(r.Context(), cacheKey); ok {
		writeRawJSON(w, http.StatusOK, cached)
		return
	}

	report, err := s.engine.Stats(r.Context(), engine.StatsFilter{
		Start: start,
		// endDate is inclusive.
		End:       end.AddDate(0, 0, 1),
		UserType:  userType,
		EventType: eventType,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.storeCachedStats(r.Context(), cacheKey, payload)
	writeRawJSON(w, http.StatusOK, payload)
}

// Stats cache

func statsCacheKey(start, end, userType, eventType string) string {
	return fmt.Sprintf("tagging_stats:%s:%s:%s:%s", start, end, userType, eventType)
}

func (s *Server) loadCachedStats(ctx context.Context, key string) ([]byte, bool) {
	if s.redis == nil || s.cacheTTL <= 0 {
		return nil, false
	}
	value, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return value, true
}

func (s *Server) storeCachedStats(ctx context.Context, key string, payload []byte) {
	if s.redis == nil || s.cacheTTL <= 0 {
		return
	}
	if err := s.redis.Set(ctx, key, payload, s.cacheTTL).Err(); err != nil {
		s.log.Warn("stats cache write failed", zap.Error(err))
	}
}

// Error mapping

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnregisteredTag):
		writeError(w, http.StatusNotFound, "unregistered_tag")
	case errors.Is(err, engine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, engine.ErrTagAlreadyLinked):
		writeError(w, http.StatusConflict, "tag_already_linked")
	case errors.Is(err, engine.ErrNoActiveSession):
		writeError(w, http.StatusConflict, "no_active_session")
	case errors.Is(err, engine.ErrStateConflict):
		writeError(w, http.StatusConflict, "state_conflict")
	case errors.Is(err, engine.ErrStoreUnavailable):
		s.log.Error("store unavailable", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store_unavailable")
	default:
		s.log.Error("unexpected engine error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func mapSession(session engine.Session) sessionResponse {
	resp := sessionResponse{
		UserID:              session.UserID.String(),
		Status:              string(session.Status),
		LastLocation:        session.LastLocation,
		ConsecutiveTagCount: session.ConsecutiveTagCount,
	}
	if session.CheckedInAt != nil {
		resp.CheckedInAt = session.CheckedInAt.Unix()
	}
	if !session.LastEventAt.IsZero() {
		resp.LastEventAt = session.LastEventAt.Unix()
	}
	return resp
}

// Utilities

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRawJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
