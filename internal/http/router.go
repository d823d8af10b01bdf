package http

import (
	"github.com/gin-gonic/gin"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	httpH "github.com/uma-arai/sbcntr-estate/internal/http/handlers"
	httpMW "github.com/uma-arai/sbcntr-estate/internal/http/middleware"
)

type RouterConfig struct {
	Log           *logger.Logger
	ServiceName   string
	EnableTracing bool

	HealthHandler       *httpH.HealthHandler
	PropertyHandler     *httpH.PropertyHandler
	CartHandler         *httpH.CartHandler
	ReservationHandler  *httpH.ReservationHandler
	CommissionHandler   *httpH.CommissionHandler
	SweepHandler        *httpH.SweepHandler
	NotificationHandler *httpH.NotificationHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.EnableTracing {
		r.Use(httpMW.Trace(cfg.ServiceName))
	}

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	api.Use(httpMW.RequestLogger(cfg.Log))
	api.Use(httpMW.Identity())

	admin := api.Group("/admin")
	admin.Use(httpMW.RequireRole(httpMW.RoleAdmin))

	// Properties
	if cfg.PropertyHandler != nil {
		api.GET("/properties/:id", cfg.PropertyHandler.Get)
		api.GET("/properties/:id/lock", cfg.PropertyHandler.GetLockStatus)
		api.POST("/properties", httpMW.RequireRole(httpMW.RoleSeller, httpMW.RoleBroker), cfg.PropertyHandler.Create)
		api.POST("/properties/:id/submit", httpMW.RequireRole(httpMW.RoleSeller, httpMW.RoleBroker), cfg.PropertyHandler.Submit)
		admin.POST("/properties/:id/:action", cfg.PropertyHandler.AdminTransition)
	}

	// Cart
	if cfg.CartHandler != nil {
		cart := api.Group("/cart")
		cart.Use(httpMW.RequireRole(httpMW.RoleBuyer))
		cart.GET("", cfg.CartHandler.List)
		cart.POST("/items", cfg.CartHandler.Add)
		cart.DELETE("/items/:id", cfg.CartHandler.Remove)
	}

	// Reservations
	if cfg.ReservationHandler != nil {
		staff := httpMW.RequireRole(httpMW.RoleBroker, httpMW.RoleAdmin)
		api.GET("/reservations/:id", httpMW.RequireRole(httpMW.RoleBuyer, httpMW.RoleBroker, httpMW.RoleAdmin), cfg.ReservationHandler.Get)
		api.POST("/reservations/:id/visit/confirm", staff, cfg.ReservationHandler.ConfirmVisit)
		api.POST("/reservations/:id/finalize", staff, cfg.ReservationHandler.Finalize)
		admin.POST("/reservations/:id/release", cfg.ReservationHandler.AdminRelease)
	}

	// Commissions
	if cfg.CommissionHandler != nil {
		api.GET("/commissions", httpMW.RequireRole(httpMW.RoleBroker), cfg.CommissionHandler.ListMine)
		api.GET("/commissions/:id", httpMW.RequireRole(httpMW.RoleBroker, httpMW.RoleAdmin), cfg.CommissionHandler.Get)
		admin.POST("/commissions/:id/:action", cfg.CommissionHandler.AdminAction)
	}

	// Sweeps
	if cfg.SweepHandler != nil {
		admin.POST("/sweeps", cfg.SweepHandler.Run)
	}

	// Notifications
	if cfg.NotificationHandler != nil {
		api.GET("/notifications", cfg.NotificationHandler.List)
		api.POST("/notifications/:id/read", cfg.NotificationHandler.MarkRead)
	}

	return r
}
