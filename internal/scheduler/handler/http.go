package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/fleetsched/internal/auth"
	"github.com/example/fleetsched/internal/scheduler/domain"
	"github.com/example/fleetsched/internal/scheduler/service"
)

// HTTP exposes the scheduler operations 1:1 over REST. Conflict and
// validation failures surface as rejected requests with the specific reason;
// storage failures surface as retryable 503s.
type HTTP struct {
	svc *service.Service
}

func NewHTTP(svc *service.Service) *HTTP {
	return &HTTP{svc: svc}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Post("/v1/bookings", h.requestBooking)
	r.Get("/v1/bookings/{id}", h.getBooking)
	r.Post("/v1/bookings/{id}/approve", h.lifecycle(h.svc.Approve))
	r.Post("/v1/bookings/{id}/reject", h.lifecycle(h.svc.Reject))
	r.Post("/v1/bookings/{id}/cancel", h.lifecycle(h.svc.Cancel))
	r.Post("/v1/bookings/{id}/start", h.lifecycle(h.svc.Start))
	r.Post("/v1/bookings/{id}/end", h.lifecycle(h.svc.End))
	r.Post("/v1/bookings/{id}/join", h.joinShared)
	r.Post("/v1/bookings/{id}/leave", h.leaveShared)
	r.Get("/v1/vehicles/{id}/status", h.vehicleStatus)
	return r
}

type requestBookingPayload struct {
	VehicleID string    `json:"vehicle_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Mode      string    `json:"mode"`
	Occupancy int       `json:"occupancy"`
	Purpose   string    `json:"purpose"`
}

type bookingResponse struct {
	ID          string     `json:"id"`
	VehicleID   string     `json:"vehicle_id"`
	RequesterID string     `json:"requester_id"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Purpose     string     `json:"purpose,omitempty"`
	Mode        string     `json:"mode"`
	Status      string     `json:"status"`
	Occupancy   int        `json:"occupancy"`
	RequestedAt time.Time  `json:"requested_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func toBookingResponse(b domain.Booking) bookingResponse {
	return bookingResponse{
		ID:          b.ID.String(),
		VehicleID:   b.VehicleID.String(),
		RequesterID: b.RequesterID.String(),
		Start:       b.Start,
		End:         b.End,
		Purpose:     b.Purpose,
		Mode:        string(b.Mode),
		Status:      string(b.Status),
		Occupancy:   b.Occupancy,
		RequestedAt: b.RequestedAt,
		DecidedAt:   b.DecidedAt,
		StartedAt:   b.StartedAt,
		EndedAt:     b.EndedAt,
	}
}

func (h *HTTP) requestBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "unknown actor", http.StatusUnauthorized)
		return
	}
	var payload requestBookingPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	vehicleID, err := uuid.Parse(payload.VehicleID)
	if err != nil {
		http.Error(w, "invalid vehicle_id", http.StatusBadRequest)
		return
	}
	mode := domain.BookingMode(payload.Mode)
	if mode != domain.ModeExclusive && mode != domain.ModeShared {
		http.Error(w, "mode must be exclusive or shared", http.StatusBadRequest)
		return
	}

	booking, err := h.svc.RequestBooking(r.Context(), r.Header.Get("Idempotency-Key"), service.RequestBookingInput{
		VehicleID: vehicleID,
		Requester: actor,
		Start:     payload.Start,
		End:       payload.End,
		Mode:      mode,
		Occupancy: payload.Occupancy,
		Purpose:   payload.Purpose,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(booking))
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	booking, err := h.svc.GetBooking(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(booking))
}

type lifecycleOp func(ctx context.Context, id uuid.UUID, actor domain.Actor) (domain.Booking, error)

func (h *HTTP) lifecycle(op lifecycleOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(r)
		if !ok {
			http.Error(w, "unknown actor", http.StatusUnauthorized)
			return
		}
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		booking, err := op(r.Context(), id, actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBookingResponse(booking))
	}
}

func (h *HTTP) joinShared(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "unknown actor", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var payload struct {
		Seats int `json:"seats"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	membership, err := h.svc.JoinShared(r.Context(), id, actor, payload.Seats)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"booking_id": membership.BookingID.String(),
		"rider_id":   membership.RiderID.String(),
		"seats":      membership.Seats,
		"joined_at":  membership.JoinedAt,
	})
}

func (h *HTTP) leaveShared(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "unknown actor", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := h.svc.LeaveShared(r.Context(), id, actor); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) vehicleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	status, err := h.svc.VehicleStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// actorFrom resolves the caller: claims injected by the auth middleware, or
// the identity headers set by the gateway after it validated the token.
func actorFrom(r *http.Request) (domain.Actor, bool) {
	if actor, ok := auth.ActorFromContext(r.Context()); ok {
		return actor, true
	}
	id, err := uuid.Parse(r.Header.Get("X-Actor-ID"))
	if err != nil {
		return domain.Actor{}, false
	}
	set := domain.CapabilitySet{}
	for _, tag := range strings.Split(r.Header.Get("X-Actor-Capabilities"), ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			set[domain.Capability(tag)] = struct{}{}
		}
	}
	return domain.Actor{ID: id, Capabilities: set}, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInterval):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrVehicleUnavailable),
		errors.Is(err, domain.ErrExclusiveConflict),
		errors.Is(err, domain.ErrCapacityExceeded),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrStorage):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
