package handler

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/booking-notifications/internal/model"
	"github.com/iliyamo/booking-notifications/internal/notify"
	"github.com/iliyamo/booking-notifications/internal/queue"
	"github.com/iliyamo/booking-notifications/internal/service"
)

// AdminHandler serves operator endpoints: event capacity, manual waitlist
// admission, dead-letter inspection and notification counters.
type AdminHandler struct {
	svc    *service.BookingService
	queues map[string]queue.Queue
	stats  *notify.Stats
	log    *zap.Logger
}

// NewAdminHandler takes the queues to expose keyed by the name used in the
// ?queue= parameter.
func NewAdminHandler(svc *service.BookingService, queues map[string]queue.Queue, stats *notify.Stats, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	if stats == nil {
		stats = &notify.Stats{}
	}
	return &AdminHandler{svc: svc, queues: queues, stats: stats, log: log.With(zap.String("component", "admin_handler"))}
}

type eventResponse struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Capacity int               `json:"capacity"`
	Admitted []bookingResponse `json:"admitted"`
}

// UpsertEvent handles PUT /v1/admin/events/:id.  Raising the capacity
// admits waitlisted bookings, which are returned.
func (h *AdminHandler) UpsertEvent(c echo.Context) error {
	var body struct {
		Title    string `json:"title"`
		Capacity *int   `json:"capacity"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.Capacity == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "capacity is required"})
	}
	ev := &model.Event{ID: c.Param("id"), Title: body.Title, Capacity: *body.Capacity}
	admitted, err := h.svc.UpsertEvent(c.Request().Context(), ev)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, eventResponse{
		ID:       ev.ID,
		Title:    ev.Title,
		Capacity: ev.Capacity,
		Admitted: toBookingResponses(admitted),
	})
}

// Admit handles POST /v1/admin/events/:id/admit.
func (h *AdminHandler) Admit(c echo.Context) error {
	admitted, err := h.svc.AdmitWaitlist(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"admitted": toBookingResponses(admitted)})
}

type deadLetterResponse struct {
	Queue     string `json:"queue"`
	MessageID string `json:"message_id"`
	GroupKey  string `json:"group_key"`
	Body      string `json:"body"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason"`
	DeadAt    string `json:"dead_at"`
}

// DeadLetters handles GET /v1/admin/dead-letters?queue=email&limit=50.
func (h *AdminHandler) DeadLetters(c echo.Context) error {
	name := c.QueryParam("queue")
	q, ok := h.queues[name]
	if !ok {
		known := make([]string, 0, len(h.queues))
		for k := range h.queues {
			known = append(known, k)
		}
		sort.Strings(known)
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown queue", "queues": known})
	}
	limit := 50
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "limit must be between 1 and 1000"})
		}
		limit = n
	}
	dead, err := q.DeadLetters(c.Request().Context(), limit)
	if err != nil {
		return writeError(c, h.log, err)
	}
	out := make([]deadLetterResponse, 0, len(dead))
	for _, d := range dead {
		out = append(out, deadLetterResponse{
			Queue:     d.Queue,
			MessageID: d.MessageID,
			GroupKey:  d.GroupKey,
			Body:      string(d.Body),
			Attempts:  d.Attempts,
			Reason:    d.Reason,
			DeadAt:    d.DeadAt.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"queue": name, "dead_letters": out})
}

// Stats handles GET /v1/admin/stats.
func (h *AdminHandler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.stats.Snapshot())
}
