package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-scheduling/internal/appointment"
)

// SlotFinder is the part of the scheduling service the slot endpoint needs.
type SlotFinder interface {
	GetAvailableSlots(ctx context.Context, providerID uuid.UUID, startDate, endDate time.Time, slotMinutes int) ([]time.Time, error)
}

type SlotsResponse struct {
	ProviderID  uuid.UUID   `json:"provider_id"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	SlotMinutes int         `json:"slot_minutes"`
	Slots       []time.Time `json:"slots"`
}

type ErrorResponse struct {
	Error      string                  `json:"error"`
	Kind       string                  `json:"kind,omitempty"`
	Violations []appointment.Violation `json:"violations,omitempty"`
}

const dateLayout = "2006-01-02"

// GET /providers/{id}/slots?from=2025-06-09&to=2025-06-15&slot_minutes=60
func slotsHandler(svc SlotFinder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid provider id"})
			return
		}

		q := r.URL.Query()
		from, err := time.Parse(dateLayout, q.Get("from"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "from must be YYYY-MM-DD"})
			return
		}
		to := from
		if raw := q.Get("to"); raw != "" {
			if to, err = time.Parse(dateLayout, raw); err != nil {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "to must be YYYY-MM-DD"})
				return
			}
		}
		slotMinutes := 60
		if raw := q.Get("slot_minutes"); raw != "" {
			if slotMinutes, err = strconv.Atoi(raw); err != nil {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "slot_minutes must be an integer"})
				return
			}
		}

		slots, err := svc.GetAvailableSlots(r.Context(), providerID, from, to, slotMinutes)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if slots == nil {
			slots = []time.Time{}
		}

		writeJSON(w, http.StatusOK, SlotsResponse{
			ProviderID:  providerID,
			From:        from.Format(dateLayout),
			To:          to.Format(dateLayout),
			SlotMinutes: slotMinutes,
			Slots:       slots,
		})
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("slot lookup failed")
	}
	resp := ErrorResponse{Error: "internal error"}
	var se *appointment.Error
	if errors.As(err, &se) {
		resp = ErrorResponse{Error: se.Error(), Kind: string(se.Kind), Violations: se.Violations}
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch appointment.KindOf(err) {
	case appointment.KindValidation:
		return http.StatusBadRequest
	case appointment.KindNotFound:
		return http.StatusNotFound
	case appointment.KindConflict, appointment.KindState:
		return http.StatusConflict
	case appointment.KindOutOfPolicy:
		return http.StatusUnprocessableEntity
	case appointment.KindPermission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
