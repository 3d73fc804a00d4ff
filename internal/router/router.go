// Package router registers the HTTP routes of the booking API.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/booking-notifications/internal/config"
	"github.com/iliyamo/booking-notifications/internal/handler"
	"github.com/iliyamo/booking-notifications/internal/middleware"
)

// Deps are what the routes need.  Limiter may be nil to disable rate
// limiting.
type Deps struct {
	Bookings  *handler.BookingHandler
	Admin     *handler.AdminHandler
	Checks    map[string]handler.Check
	JWTSecret string
	RateLimit config.RateLimitConfig
	Limiter   redis.Scripter
	Log       *zap.Logger
}

// RegisterRoutes mounts the health check, the attendee routes under /v1 and
// the operator routes under /v1/admin.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.Use(middleware.RequestLogger(d.Log))
	e.GET("/healthz", handler.Health(d.Checks))

	v1 := e.Group("/v1")
	v1.Use(middleware.JWTAuth(d.JWTSecret))
	v1.Use(middleware.NewTokenBucket(d.RateLimit, d.Limiter, d.Log))

	bookings := v1.Group("", middleware.RequireRole(middleware.RoleAttendee, middleware.RoleAdmin))
	bookings.POST("/events/:id/bookings", d.Bookings.Register)
	bookings.GET("/bookings/:id", d.Bookings.Get)
	bookings.PATCH("/bookings/:id", d.Bookings.Update)
	bookings.POST("/bookings/:id/confirm", d.Bookings.Confirm)
	bookings.POST("/bookings/:id/cancel", d.Bookings.Cancel)

	if d.Admin == nil {
		return
	}
	admin := v1.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	admin.PUT("/events/:id", d.Admin.UpsertEvent)
	admin.POST("/events/:id/admit", d.Admin.Admit)
	admin.GET("/dead-letters", d.Admin.DeadLetters)
	admin.GET("/stats", d.Admin.Stats)
}
