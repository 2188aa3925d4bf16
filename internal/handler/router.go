package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/parkride/internal/metrics"
	"github.com/hitoshi/parkride/internal/middleware"
	"github.com/hitoshi/parkride/internal/monitoring"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	// HSTS はStrict-Transport-Securityを付与するか。本番環境でtrueにする
	HSTS              bool
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector

	// 運用エンドポイント。nilの場合はルートを登録しない
	Monitoring     *monitoring.Handler
	MetricsHandler http.Handler
	Realtime       http.Handler

	AuthService         AuthServiceInterface
	ParkingService      ParkingServiceInterface
	RideService         RideServiceInterface
	PaymentService      PaymentServiceInterface
	NotificationService NotificationServiceInterface
	UserService         UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Tracing → Logging → Metrics → Recovery → SecurityHeaders → CORS
//	  └ 認証が必要なルート: Auth → RateLimit(General) [→ RequireAdmin | RateLimit(Booking)]
//
// /health、/metrics、/ws は認証ミドルウェアの外に配置する。/ws はクエリのトークンで認証する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}

	r := chi.NewRouter()
	r.Use(middleware.NewTracingMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(m))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService)
	parkingHandler := NewParkingHandler(deps.ParkingService)
	rideHandler := NewRideHandler(deps.RideService)
	paymentHandler := NewPaymentHandler(deps.PaymentService)
	notificationHandler := NewNotificationHandler(deps.NotificationService)
	userHandler := NewUserHandler(deps.UserService)

	// --- 運用エンドポイント ---
	if deps.Monitoring != nil {
		r.Get("/health", deps.Monitoring.Health)
		r.Get("/api/monitoring/health", deps.Monitoring.Detailed)
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	if deps.Realtime != nil {
		r.Method(http.MethodGet, "/ws", deps.Realtime)
	}

	authMW := middleware.NewAuthMiddleware(deps.Authenticator)
	generalMW := deps.RateLimiter.GeneralMiddleware()
	bookingMW := deps.RateLimiter.BookingMiddleware()
	adminMW := middleware.RequireAdmin()

	// 認証が必要なルートのミドルウェアスタック: Auth → RateLimit(General)
	authenticated := func(r chi.Router) chi.Router {
		return r.With(authMW, generalMW)
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)

		ar := authenticated(r)
		ar.Get("/profile", authHandler.Profile)
		ar.Post("/logout", authHandler.Logout)
	})

	r.Route("/api/parking", func(r chi.Router) {
		r.Get("/slots", parkingHandler.ListSlots)
		r.Get("/slots/available", parkingHandler.ListAvailable)

		ar := authenticated(r)
		ar.With(adminMW).Post("/slots", parkingHandler.CreateSlot)
		ar.With(bookingMW).Post("/reserve", parkingHandler.Reserve)
		ar.Get("/reservations", parkingHandler.ListReservations)
		ar.Put("/reservations/{id}/cancel", parkingHandler.CancelReservation)
		ar.Post("/checkin", parkingHandler.CheckIn)
		ar.Post("/checkout", parkingHandler.CheckOut)
		ar.Get("/analytics", parkingHandler.Analytics)
	})

	r.Route("/api/rides", func(r chi.Router) {
		r.Get("/types", rideHandler.Types)

		ar := authenticated(r)
		ar.With(bookingMW).Post("/book", rideHandler.Book)
		ar.Get("/my-rides", rideHandler.MyRides)
		ar.Put("/{id}/cancel", rideHandler.Cancel)
		ar.With(adminMW).Put("/{id}/status", rideHandler.UpdateStatus)
		ar.Post("/pool", rideHandler.Pool)
		ar.Get("/analytics", rideHandler.Analytics)
	})

	r.Route("/api/payments", func(r chi.Router) {
		ar := authenticated(r)
		ar.Get("/history", paymentHandler.History)
		ar.Get("/transactions", paymentHandler.Transactions)
		ar.Get("/methods", paymentHandler.Methods)
		ar.Get("/stats", paymentHandler.Stats)
		ar.Get("/{id}/status", paymentHandler.Status)
		ar.Post("/{id}/refund", paymentHandler.Refund)
	})

	r.Route("/api/notifications", func(r chi.Router) {
		ar := authenticated(r)
		ar.Get("/", notificationHandler.List)
		ar.Get("/settings", notificationHandler.Settings)
		ar.Put("/settings", notificationHandler.UpdateSettings)
		ar.Put("/{id}/read", notificationHandler.MarkRead)
		ar.Delete("/{id}", notificationHandler.Delete)
	})

	r.Route("/api/users", func(r chi.Router) {
		ar := authenticated(r)
		ar.Put("/profile", userHandler.UpdateProfile)
		ar.Put("/change-password", userHandler.ChangePassword)
		ar.Get("/analytics", userHandler.Analytics)
		ar.Put("/preferences", userHandler.UpdatePreferences)
		ar.Post("/vehicles", userHandler.AddVehicle)
		ar.Delete("/vehicles/{id}", userHandler.DeleteVehicle)
		ar.Patch("/vehicles/{id}/default", userHandler.SetDefaultVehicle)
		ar.Delete("/me", userHandler.Withdraw)
	})

	return r
}
