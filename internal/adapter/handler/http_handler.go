package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/flash-drop/internal/adapter/broadcast"
	"github.com/rl1809/flash-drop/internal/core/domain"
	"github.com/rl1809/flash-drop/internal/core/service"
)

// DropEngine is the engine surface exposed by the request layers.
type DropEngine interface {
	CreateDrop(ctx context.Context, in service.CreateDropInput) (domain.Drop, error)
	Reserve(ctx context.Context, dropID, userID string) (domain.Reservation, error)
	CompletePurchase(ctx context.Context, reservationID string) (domain.Purchase, error)
	ListDropsWithTopBuyers(ctx context.Context, limit int) ([]service.DropWithBuyers, error)
}

type HTTPHandler struct {
	engine DropEngine
	hub    *broadcast.Hub
	logger *zap.Logger
	// heartbeat is the SSE keep-alive period.
	heartbeat time.Duration

	closeOnce sync.Once
	closing   chan struct{}
}

func NewHTTPHandler(engine DropEngine, hub *broadcast.Hub, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		engine:    engine,
		hub:       hub,
		logger:    logger,
		heartbeat: 15 * time.Second,
		closing:   make(chan struct{}),
	}
}

// Routes returns the HTTP API wrapped in request logging.
func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /api/drops/create", h.CreateDrop)
	mux.HandleFunc("GET /api/drops", h.ListDrops)
	mux.HandleFunc("POST /api/drops/reserve", h.Reserve)
	mux.HandleFunc("POST /api/drops/purchase", h.Purchase)
	mux.HandleFunc("GET /api/drops/events", h.Events)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return requestLogger(h.logger, mux)
}

type CreateDropHTTPRequest struct {
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	TotalStock int             `json:"total_stock"`
	StartTime  time.Time       `json:"start_time"`
}

type ReserveHTTPRequest struct {
	DropID string `json:"dropId"`
	UserID string `json:"userId"`
}

type PurchaseHTTPRequest struct {
	ReservationID string `json:"reservationId"`
}

type DropResponse struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Price          decimal.Decimal    `json:"price"`
	TotalStock     int                `json:"total_stock"`
	AvailableStock int                `json:"available_stock"`
	StartTime      time.Time          `json:"start_time"`
	CreatedAt      time.Time          `json:"created_at"`
	Purchases      []PurchaseResponse `json:"purchases,omitempty"`
}

type ReservationResponse struct {
	ID        string    `json:"id"`
	DropID    string    `json:"dropId"`
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

type PurchaseResponse struct {
	ID            string    `json:"id"`
	DropID        string    `json:"dropId"`
	UserID        string    `json:"userId"`
	ReservationID string    `json:"reservationId"`
	CreatedAt     time.Time `json:"created_at"`
}

type PurchaseHTTPResponse struct {
	Message  string           `json:"message"`
	Purchase PurchaseResponse `json:"purchase"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *HTTPHandler) CreateDrop(w http.ResponseWriter, r *http.Request) {
	var req CreateDropHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	drop, err := h.engine.CreateDrop(r.Context(), service.CreateDropInput{
		Name:       req.Name,
		Price:      req.Price,
		TotalStock: req.TotalStock,
		StartTime:  req.StartTime,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDropResponse(drop, nil))
}

func (h *HTTPHandler) ListDrops(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	drops, err := h.engine.ListDropsWithTopBuyers(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]DropResponse, 0, len(drops))
	for _, d := range drops {
		out = append(out, toDropResponse(d.Drop, d.Purchases))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DropID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "dropId and userId are required")
		return
	}

	reservation, err := h.engine.Reserve(r.Context(), req.DropID, req.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationResponse(reservation))
}

func (h *HTTPHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReservationID == "" {
		writeError(w, http.StatusBadRequest, "reservationId is required")
		return
	}

	purchase, err := h.engine.CompletePurchase(r.Context(), req.ReservationID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurchaseHTTPResponse{
		Message:  "purchase completed",
		Purchase: toPurchaseResponse(purchase),
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// httpStatus maps engine errors onto response codes.
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrOutOfStock):
		return http.StatusGone, "sold out"
	case errors.Is(err, domain.ErrReservationExpired):
		return http.StatusGone, err.Error()
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrDropNameRequired),
		errors.Is(err, domain.ErrInvalidPrice),
		errors.Is(err, domain.ErrInvalidStock),
		errors.Is(err, domain.ErrStartTimeRequired):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := httpStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, message)
}

func toDropResponse(d domain.Drop, purchases []domain.Purchase) DropResponse {
	resp := DropResponse{
		ID:             d.ID,
		Name:           d.Name,
		Price:          d.Price,
		TotalStock:     d.TotalStock,
		AvailableStock: d.AvailableStock,
		StartTime:      d.StartTime,
		CreatedAt:      d.CreatedAt,
	}
	if purchases != nil {
		resp.Purchases = make([]PurchaseResponse, 0, len(purchases))
		for _, p := range purchases {
			resp.Purchases = append(resp.Purchases, toPurchaseResponse(p))
		}
	}
	return resp
}

func toReservationResponse(r domain.Reservation) ReservationResponse {
	return ReservationResponse{
		ID:        r.ID,
		DropID:    r.DropID,
		UserID:    r.UserID,
		Status:    string(r.Status),
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
	}
}

func toPurchaseResponse(p domain.Purchase) PurchaseResponse {
	return PurchaseResponse{
		ID:            p.ID,
		DropID:        p.DropID,
		UserID:        p.UserID,
		ReservationID: p.ReservationID,
		CreatedAt:     p.CreatedAt,
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
