package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/matt-riley/gatez/internal/adapter"
	"github.com/matt-riley/gatez/internal/core"
	"github.com/matt-riley/gatez/internal/service"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// RequestObserver is told about every request the handler serves. route is
// the matched mux pattern.
type RequestObserver interface {
	ObserveHTTPRequest(method, route string, statusCode int, elapsed time.Duration)
}

type HTTPServer struct {
	service          Service
	maxJSONBodyBytes int64
	healthCheck      func(context.Context) error
	metricsHandler   http.Handler
	observer         RequestObserver
}

// HTTPOption configures the handler returned by NewHTTPHandler.
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize limits request bodies to n bytes.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithHealthCheck makes /healthz report 503 while check fails.
func WithHealthCheck(check func(context.Context) error) HTTPOption {
	return func(s *HTTPServer) {
		s.healthCheck = check
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) {
		s.metricsHandler = h
	}
}

func WithRequestObserver(observer RequestObserver) HTTPOption {
	return func(s *HTTPServer) {
		s.observer = observer
	}
}

type featureJSON struct {
	Key   string          `json:"key"`
	State core.State      `json:"state"`
	Gates core.GateValues `json:"gates"`
}

type listFeaturesResponse struct {
	Features []featureJSON `json:"features"`
}

type addFeatureRequest struct {
	Key string `json:"key"`
}

type actorRequest struct {
	FlipperID string `json:"flipper_id"`
}

type groupRequest struct {
	Name string `json:"name"`
}

type percentageRequest struct {
	Percentage *int `json:"percentage"`
}

type checkRequest struct {
	Key   string      `json:"key,omitempty"`
	Keys  []string    `json:"keys,omitempty"`
	Actor *core.Actor `json:"actor,omitempty"`
}

type checkResult struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Gate    string `json:"gate,omitempty"`
}

type checkResponse struct {
	Results []checkResult `json:"results"`
}

// NewHTTPHandler returns the JSON API for svc. It panics if svc is nil.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:          svc,
		maxJSONBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/features", server.handleListFeatures)
	mux.HandleFunc("POST /v1/features", server.handleCreateFeature)
	mux.HandleFunc("GET /v1/features/{key}", server.handleGetFeature)
	mux.HandleFunc("POST /v1/features/{key}", server.handleAddFeature)
	mux.HandleFunc("DELETE /v1/features/{key}", server.handleRemoveFeature)
	mux.HandleFunc("POST /v1/features/{key}/clear", server.handleClearFeature)
	mux.HandleFunc("POST /v1/features/{key}/boolean", server.handleEnableBoolean)
	mux.HandleFunc("DELETE /v1/features/{key}/boolean", server.handleDisableBoolean)
	mux.HandleFunc("POST /v1/features/{key}/actors", server.handleEnableActor)
	mux.HandleFunc("DELETE /v1/features/{key}/actors/{id}", server.handleDisableActor)
	mux.HandleFunc("POST /v1/features/{key}/groups", server.handleEnableGroup)
	mux.HandleFunc("DELETE /v1/features/{key}/groups/{name}", server.handleDisableGroup)
	mux.HandleFunc("PUT /v1/features/{key}/percentage_of_actors", server.handleEnablePercentageOfActors)
	mux.HandleFunc("DELETE /v1/features/{key}/percentage_of_actors", server.handleDisablePercentageOfActors)
	mux.HandleFunc("PUT /v1/features/{key}/percentage_of_time", server.handleEnablePercentageOfTime)
	mux.HandleFunc("DELETE /v1/features/{key}/percentage_of_time", server.handleDisablePercentageOfTime)
	mux.HandleFunc("PUT /v1/features/{key}/json", server.handleEnableJSON)
	mux.HandleFunc("DELETE /v1/features/{key}/json", server.handleDisableJSON)
	mux.HandleFunc("POST /v1/check", server.handleCheck)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metricsHandler != nil {
		mux.Handle("GET /metrics", server.metricsHandler)
	}

	if server.observer == nil {
		return mux
	}
	return server.withObserver(mux)
}

// withObserver reads r.Pattern after the mux has routed the request, so the
// route label is the registered pattern rather than the raw path.
func (s *HTTPServer) withObserver(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.observer.ObserveHTTPRequest(r.Method, r.Pattern, rec.status, time.Since(start))
	})
}

func (s *HTTPServer) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	all, err := s.service.AllGateValues(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	keys := make([]string, 0, len(all))
	for key := range all {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	features := make([]featureJSON, 0, len(keys))
	for _, key := range keys {
		features = append(features, newFeatureJSON(key, all[key]))
	}
	writeJSON(w, http.StatusOK, listFeaturesResponse{Features: features})
}

func (s *HTTPServer) handleCreateFeature(w http.ResponseWriter, r *http.Request) {
	var request addFeatureRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	s.addFeature(w, r, strings.TrimSpace(request.Key))
}

func (s *HTTPServer) handleAddFeature(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	s.addFeature(w, r, key)
}

func (s *HTTPServer) addFeature(w http.ResponseWriter, r *http.Request, key string) {
	if err := s.service.Add(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}
	s.writeFeature(w, r, key, http.StatusCreated)
}

func (s *HTTPServer) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	values, err := s.service.Feature(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newFeatureJSON(key, values))
}

func (s *HTTPServer) handleRemoveFeature(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	if err := s.service.Remove(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleClearFeature(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.service.Clear)
}

func (s *HTTPServer) handleEnableBoolean(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.service.EnableBoolean)
}

func (s *HTTPServer) handleDisableBoolean(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.service.DisableBoolean)
}

func (s *HTTPServer) handleEnableActor(w http.ResponseWriter, r *http.Request) {
	var request actorRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	s.mutate(w, r, func(ctx context.Context, key string) error {
		return s.service.EnableActor(ctx, key, request.FlipperID)
	})
}

func (s *HTTPServer) handleDisableActor(w http.ResponseWriter, r *http.Request) {
	actorID := r.PathValue("id")
	s.mutate(w, r, func(ctx context.Context, key string) error {
		return s.service.DisableActor(ctx, key, actorID)
	})
}

func (s *HTTPServer) handleEnableGroup(w http.ResponseWriter, r *http.Request) {
	var request groupRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	s.mutate(w, r, func(ctx context.Context, key string) error {
		return s.service.EnableGroup(ctx, key, request.Name)
	})
}

func (s *HTTPServer) handleDisableGroup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mutate(w, r, func(ctx context.Context, key string) error {
		return s.service.DisableGroup(ctx, key, name)
	})
}

func (s *HTTPServer) handleEnablePercentageOfActors(w http.ResponseWriter, r *http.Request) {
	percentage, ok := s.decodePercentage(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, func(ctx context.Context, key string) error {
		return s.service.EnablePercentageOfActors(ctx, key, percentage)
	})
}

func (s *HTTPServer) handleDisablePercentageOfActors(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.service.DisablePercentageOfActors)
}

func (s *HTTPServer) handleEnablePercentageOfTime(w http.ResponseWriter, r *http.Request) {
	percentage, ok := s.decodePercentage(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, func(ctx context.Context, key string) error {
		return s.service.EnablePercentageOfTime(ctx, key, percentage)
	})
}

func (s *HTTPServer) handleDisablePercentageOfTime(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.service.DisablePercentageOfTime)
}

// handleEnableJSON stores the raw request body on the json gate.
func (s *HTTPServer) handleEnableJSON(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	if err != nil {
		writeJSONDecodeError(w, normalizeJSONDecodeError(err))
		return
	}
	s.mutate(w, r, func(ctx context.Context, key string) error {
		return s.service.EnableJSON(ctx, key, json.RawMessage(body))
	})
}

func (s *HTTPServer) handleDisableJSON(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.service.DisableJSON)
}

func (s *HTTPServer) handleCheck(w http.ResponseWriter, r *http.Request) {
	var request checkRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	key := strings.TrimSpace(request.Key)
	switch {
	case key != "" && len(request.Keys) > 0:
		writeJSONError(w, http.StatusBadRequest, "use either key or keys")
		return
	case key != "":
		decision, err := s.service.Decide(r.Context(), key, request.Actor)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, checkResponse{Results: []checkResult{newCheckResult(key, decision)}})
		return
	case len(request.Keys) == 0:
		writeJSONError(w, http.StatusBadRequest, "key or keys is required")
		return
	}

	for idx, k := range request.Keys {
		if strings.TrimSpace(k) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("keys[%d] is required", idx))
			return
		}
	}

	snapshot, err := s.service.Preload(r.Context(), request.Keys)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	results := make([]checkResult, 0, len(request.Keys))
	for _, k := range request.Keys {
		results = append(results, newCheckResult(k, snapshot.Decide(k, request.Actor)))
	}
	writeJSON(w, http.StatusOK, checkResponse{Results: results})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// mutate applies fn to the path key and answers with the resulting feature.
func (s *HTTPServer) mutate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, key string) error) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}
	s.writeFeature(w, r, key, http.StatusOK)
}

func (s *HTTPServer) writeFeature(w http.ResponseWriter, r *http.Request, key string, status int) {
	values, err := s.service.GateValues(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, status, newFeatureJSON(key, values))
}

func (s *HTTPServer) decodePercentage(w http.ResponseWriter, r *http.Request) (int, bool) {
	var request percentageRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return 0, false
	}
	if request.Percentage == nil {
		writeJSONError(w, http.StatusBadRequest, "percentage is required")
		return 0, false
	}
	return *request.Percentage, true
}

func pathKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return "", false
	}
	return key, true
}

func newFeatureJSON(key string, values core.GateValues) featureJSON {
	values = values.Normalize()
	if values.Actors == nil {
		values.Actors = []string{}
	}
	if values.Groups == nil {
		values.Groups = []string{}
	}
	return featureJSON{Key: key, State: core.StateOf(values), Gates: values}
}

func newCheckResult(key string, decision core.Decision) checkResult {
	return checkResult{Key: key, Enabled: decision.Enabled, Gate: string(decision.Gate)}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case isInvalidArgumentError(err):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFeatureNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrFeatureKeyRequired), errors.Is(err, adapter.ErrKeyRequired):
		return "feature key is required"
	case errors.Is(err, service.ErrActorRequired):
		return "actor id is required"
	case errors.Is(err, service.ErrGroupRequired):
		return "group name is required"
	case errors.Is(err, service.ErrGroupNotRegistered):
		return "group not registered"
	case errors.Is(err, service.ErrInvalidPercentage):
		return "percentage must be between 0 and 100"
	case errors.Is(err, service.ErrInvalidJSON), errors.Is(err, adapter.ErrInvalidValue):
		return "invalid gate value"
	case errors.Is(err, adapter.ErrUnsupportedGate):
		return "unsupported gate"
	case errors.Is(err, service.ErrFeatureNotFound):
		return "feature not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func isInvalidArgumentError(err error) bool {
	for _, target := range []error{
		service.ErrFeatureKeyRequired,
		service.ErrActorRequired,
		service.ErrGroupRequired,
		service.ErrGroupNotRegistered,
		service.ErrInvalidPercentage,
		service.ErrInvalidJSON,
		adapter.ErrKeyRequired,
		adapter.ErrInvalidValue,
		adapter.ErrUnsupportedGate,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSONBody decodes exactly one JSON object. Numbers are kept as
// json.Number so actor properties compare exactly.
func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
