package routes

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Legion808/klinika/internal/handlers"
	"github.com/Legion808/klinika/internal/middleware"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/utils"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Auth          *handlers.AuthHandler
	Users         *handlers.UserHandler
	Appointments  *handlers.AppointmentHandler
	Consultations *handlers.ConsultationHandler
	WS            *handlers.WSHandler
	Health        *handlers.HealthHandler
}

// Options carries the router-level settings.
type Options struct {
	JWTSecret string
	Origins   []string
	Gatherer  prometheus.Gatherer
	Logger    zerolog.Logger
}

// NewRouter builds the engine with middleware and all routes attached.
func NewRouter(h Handlers, opts Options) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Logger(opts.Logger), middleware.Recovery(opts.Logger))

	corsConfig := cors.DefaultConfig()
	if len(opts.Origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = opts.Origins
	}
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"}
	router.Use(cors.New(corsConfig))

	SetupRoutes(router, h, opts)
	router.NoRoute(func(c *gin.Context) {
		utils.NotFound(c, "Route not found")
	})
	return router
}

// SetupRoutes configures the application routes.
func SetupRoutes(router *gin.Engine, h Handlers, opts Options) {
	// Public routes (no authentication required)
	public := router.Group("/api/v1")
	{
		public.POST("/auth/login", h.Auth.Login)
	}

	// Authenticated routes
	private := router.Group("/api/v1")
	private.Use(middleware.AuthMiddleware(opts.JWTSecret))
	{
		private.GET("/auth/profile", h.Auth.GetProfile)
		private.GET("/users/doctors", h.Users.GetDoctors)

		appointmentRoutes := private.Group("/appointments")
		{
			appointmentRoutes.POST("", middleware.RoleAuthMiddleware(models.RolePatient, models.RoleAdmin), h.Appointments.CreateAppointment)
			appointmentRoutes.GET("/me", h.Appointments.GetMyAppointments)
			appointmentRoutes.GET("/:id", h.Appointments.GetAppointmentByID)
			appointmentRoutes.GET("/:id/queue", h.Appointments.GetQueuePosition)
			appointmentRoutes.PATCH("/:id/status", h.Appointments.UpdateAppointmentStatus)
			appointmentRoutes.PATCH("/:id/reschedule", h.Appointments.RescheduleAppointment)
			appointmentRoutes.PUT("/:id/cancel", h.Appointments.CancelAppointment)
		}

		consultationRoutes := private.Group("/consultations")
		{
			consultationRoutes.POST("/start/:appointment_id", h.Consultations.StartConsultation)
			consultationRoutes.GET("/me", h.Consultations.GetMyConsultations)
			consultationRoutes.GET("/:id", h.Consultations.GetConsultationByID)
			consultationRoutes.POST("/:id/end", middleware.RoleAuthMiddleware(models.RoleDoctor), h.Consultations.EndConsultation)
			consultationRoutes.GET("/:id/messages", h.Consultations.GetMessages)
			consultationRoutes.POST("/:id/message", h.Consultations.SendMessage)
		}
	}

	// Websocket channels authenticate with their first frame.
	ws := router.Group("/ws")
	{
		ws.GET("/queue", h.WS.Queue)
		ws.GET("/chat/:consultation_id", h.WS.Chat)
	}

	router.GET("/health", h.Health.Health)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}
