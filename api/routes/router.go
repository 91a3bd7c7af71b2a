package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/libraryloans-backend/api/controllers"
	"github.com/angelmondragon/libraryloans-backend/api/middleware"
	"github.com/angelmondragon/libraryloans-backend/internal/notifications"
	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/libraryloans-backend/pkg/redis"
)

type redisClient interface {
	pkgredis.IdempotencyStore
	Ping(ctx context.Context) error
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redis redisClient,
	borrowService controllers.BorrowService,
	notificationsService notifications.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"database": dbP,
			"redis":    redis,
		}))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(redis, logg))

		r.Post("/books/{bookId}/reserve", controllers.ReserveBook(borrowService, logg))

		r.Route("/borrows", func(r chi.Router) {
			r.Get("/", controllers.ListBorrows(borrowService, logg))
			r.Get("/history", controllers.BorrowHistory(borrowService, logg))
			r.Get("/{borrowId}", controllers.GetBorrow(borrowService, logg))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(enums.UserRoleLibrarian, logg))
				r.Post("/{borrowId}/pickup", controllers.ConfirmPickup(borrowService, logg))
				r.Post("/{borrowId}/return", controllers.ConfirmReturn(borrowService, logg))
				r.Get("/{borrowId}/reminders", controllers.BorrowReminders(borrowService, logg))
			})
		})

		r.With(middleware.RequireRole(enums.UserRoleLibrarian, logg)).
			Get("/jobs/failures", controllers.JobFailures(borrowService, logg))

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", controllers.ListNotifications(notificationsService, logg))
			r.Post("/read-all", controllers.MarkAllNotificationsRead(notificationsService, logg))
			r.Post("/{notificationId}/read", controllers.MarkNotificationRead(notificationsService, logg))
			r.Delete("/{notificationId}", controllers.DeleteNotification(notificationsService, logg))
			r.With(middleware.RequireRole(enums.UserRoleLibrarian, logg)).
				Post("/broadcast", controllers.BroadcastNotification(notificationsService, logg))
		})
	})

	return r
}
