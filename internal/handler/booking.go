package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/booking-notifications/internal/middleware"
	"github.com/iliyamo/booking-notifications/internal/model"
	"github.com/iliyamo/booking-notifications/internal/service"
)

// BookingHandler serves the attendee endpoints.  Routes run behind JWTAuth;
// the attendee is the token subject and may only act on their own
// bookings.  Admins may act on any booking.
type BookingHandler struct {
	svc *service.BookingService
	log *zap.Logger
}

func NewBookingHandler(svc *service.BookingService, log *zap.Logger) *BookingHandler {
	if svc == nil {
		panic("nil booking service passed to NewBookingHandler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BookingHandler{svc: svc, log: log.With(zap.String("component", "booking_handler"))}
}

type bookingResponse struct {
	ID             string            `json:"id"`
	EventID        string            `json:"event_id"`
	AttendeeID     string            `json:"attendee_id"`
	Email          string            `json:"email,omitempty"`
	Phone          string            `json:"phone,omitempty"`
	Status         string            `json:"status"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Version        int64             `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	TransitionedAt time.Time         `json:"transitioned_at"`
}

func toBookingResponse(b *model.Booking) bookingResponse {
	return bookingResponse{
		ID:             b.ID,
		EventID:        b.EventID,
		AttendeeID:     b.AttendeeID,
		Email:          b.AttendeeEmail,
		Phone:          b.AttendeePhone,
		Status:         b.Status.String(),
		Metadata:       b.Metadata,
		Version:        b.Version,
		CreatedAt:      b.CreatedAt,
		TransitionedAt: b.TransitionedAt,
	}
}

func toBookingResponses(bs []*model.Booking) []bookingResponse {
	out := make([]bookingResponse, 0, len(bs))
	for _, b := range bs {
		out = append(out, toBookingResponse(b))
	}
	return out
}

// Register handles POST /v1/events/:id/bookings.  201 with the booking; its
// status tells whether the attendee got a place or joined the waitlist.
func (h *BookingHandler) Register(c echo.Context) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		Email    string            `json:"email"`
		Phone    string            `json:"phone"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(body.Email) == "" && strings.TrimSpace(body.Phone) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email or phone is required"})
	}

	b, err := h.svc.Register(c.Request().Context(), service.RegisterRequest{
		EventID:    c.Param("id"),
		AttendeeID: userID,
		Email:      body.Email,
		Phone:      body.Phone,
		Metadata:   body.Metadata,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, toBookingResponse(b))
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.owned(c)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toBookingResponse(b))
}

// Confirm handles POST /v1/bookings/:id/confirm.  409 when the booking is
// waitlisted, already confirmed or canceled.
func (h *BookingHandler) Confirm(c echo.Context) error {
	if _, err := h.owned(c); err != nil {
		return writeError(c, h.log, err)
	}
	b, err := h.svc.Confirm(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toBookingResponse(b))
}

// Cancel handles POST /v1/bookings/:id/cancel.
func (h *BookingHandler) Cancel(c echo.Context) error {
	if _, err := h.owned(c); err != nil {
		return writeError(c, h.log, err)
	}
	b, err := h.svc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toBookingResponse(b))
}

// Update handles PATCH /v1/bookings/:id.  Absent fields stay as they are;
// metadata, when present, replaces the stored map.
func (h *BookingHandler) Update(c echo.Context) error {
	if _, err := h.owned(c); err != nil {
		return writeError(c, h.log, err)
	}
	var body struct {
		Email    *string           `json:"email"`
		Phone    *string           `json:"phone"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.Email == nil && body.Phone == nil && body.Metadata == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "nothing to update"})
	}
	b, err := h.svc.Update(c.Request().Context(), c.Param("id"), service.UpdateRequest{
		Email:    body.Email,
		Phone:    body.Phone,
		Metadata: body.Metadata,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toBookingResponse(b))
}

// owned loads the booking in the path and checks the caller may act on it.
func (h *BookingHandler) owned(c echo.Context) (*model.Booking, error) {
	b, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if !middleware.IsAdmin(c) && b.AttendeeID != middleware.UserID(c) {
		return nil, model.ErrForbidden
	}
	return b, nil
}
