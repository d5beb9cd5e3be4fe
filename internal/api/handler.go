package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ticketledger/internal/auth"
	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/ledger"
	"github.com/punchamoorthee/ticketledger/internal/logging"
	"github.com/punchamoorthee/ticketledger/internal/lottery"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ticketledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const (
	headerUserID = "X-User-ID"
	headerRole   = "X-User-Role"
	headerIdem   = "Idempotency-Key"
)

type Handler struct {
	lotteries *lottery.Service
	ledger    *ledger.Service
	logger    *zap.Logger
}

func NewHandler(lotteries *lottery.Service, led *ledger.Service, logger *zap.Logger) *Handler {
	return &Handler{lotteries: lotteries, ledger: led, logger: logging.OrNop(logger)}
}

// NewRouter wires the health and metrics endpoints plus the v1 API.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(h.observe, h.identify)

	apiV1.HandleFunc("/lotteries", h.CreateLottery).Methods("POST")
	apiV1.HandleFunc("/lotteries/{id}", h.GetLottery).Methods("GET")
	apiV1.HandleFunc("/lotteries/{id}/sold-numbers", h.SoldNumbers).Methods("GET")
	apiV1.HandleFunc("/lotteries/{id}/tickets", h.SellTicket).Methods("POST")
	apiV1.HandleFunc("/lotteries/{id}/purchases", h.Purchase).Methods("POST")
	apiV1.HandleFunc("/lotteries/{id}/winners", h.RegisterWinners).Methods("POST", "PUT")
	apiV1.HandleFunc("/lotteries/{id}/winners", h.ListWinners).Methods("GET")
	apiV1.HandleFunc("/lotteries/{id}/activate", h.ActivateLottery).Methods("POST")
	apiV1.HandleFunc("/lotteries/{id}/end", h.EndLottery).Methods("POST")

	apiV1.HandleFunc("/accounts", h.OpenAccount).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/transactions", h.ListTransactions).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/transactions", h.CreateTransaction).Methods("POST")
	apiV1.HandleFunc("/transactions/{id}/settle", h.SettleTransaction).Methods("POST")
	return r
}

// observe records request latency per route template.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint(r)))
		defer timer.ObserveDuration()
		next.ServeHTTP(w, r)
	})
}

// identify reads the caller identity established by the upstream
// authentication layer.
func (h *Handler) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.Header.Get(headerUserID), 10, 64)
		role := domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerRole))))
		if err != nil || userID <= 0 || !validRole(role) {
			h.respondError(w, r, http.StatusUnauthorized, "Missing or invalid caller identity")
			return
		}
		ctx := auth.WithIdentity(r.Context(), auth.Identity{UserID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRole(role domain.Role) bool {
	switch role {
	case domain.RoleAdmin, domain.RoleAgent, domain.RoleUser:
		return true
	}
	return false
}

// caller returns the identity and checks that it may invoke op. It writes
// the error response itself when it returns false.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request, op auth.Operation) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		h.respondError(w, r, http.StatusUnauthorized, "Missing or invalid caller identity")
		return auth.Identity{}, false
	}
	if err := auth.Require(id, op); err != nil {
		h.respondDomainError(w, r, err)
		return auth.Identity{}, false
	}
	return id, true
}

func endpoint(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, r, http.StatusBadRequest, "Invalid ID")
		return 0, false
	}
	return id, true
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Unreadable body")
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

// statusFor maps a service error kind onto an HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindState:
		return http.StatusConflict
	case domain.KindForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Details []string `json:"details,omitempty"`
}

func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("endpoint", endpoint(r)),
			zap.Error(err))
		h.respondJSON(w, r, code, errorBody{Error: "Internal server error", Kind: domain.KindStore.String()})
		return
	}

	msg := err.Error()
	var de *domain.Error
	if errors.As(err, &de) && de.Message != "" {
		msg = de.Message
	}
	h.respondJSON(w, r, code, errorBody{Error: msg, Kind: domain.KindOf(err).String(), Details: domain.DetailsOf(err)})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	h.respondJSON(w, r, code, errorBody{Error: msg})
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, code int, payload any) {
	httpReqTotal.WithLabelValues(r.Method, endpoint(r), strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("api: encode response", zap.Error(err))
	}
}

