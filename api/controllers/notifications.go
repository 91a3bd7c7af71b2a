package controllers

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/libraryloans-backend/api/middleware"
	"github.com/angelmondragon/libraryloans-backend/api/responses"
	"github.com/angelmondragon/libraryloans-backend/api/validators"
	"github.com/angelmondragon/libraryloans-backend/internal/notifications"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/libraryloans-backend/pkg/errors"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	"github.com/angelmondragon/libraryloans-backend/pkg/pagination"
)

const (
	maxTitleLen   = 120
	maxMessageLen = 2000
)

// ListNotifications returns paginated notifications for the caller.
func ListNotifications(svc notifications.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "notifications service unavailable"))
			return
		}
		userID, _, ok := middleware.Caller(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}

		params := notifications.ListParams{
			UserID: userID,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}
		var err error
		if params.Limit, err = validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if params.UnreadOnly, err = validators.ParseQueryBool(r, "unreadOnly"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, resp)
	}
}

func MarkNotificationRead(svc notifications.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _, ok := middleware.Caller(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}
		notificationID, err := validators.ParseURLParamUUID(r, "notificationId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.MarkRead(r.Context(), notificationID, userID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]bool{"read": true})
	}
}

func MarkAllNotificationsRead(svc notifications.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _, ok := middleware.Caller(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}
		updated, err := svc.MarkAllRead(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]int64{"updated": updated})
	}
}

func DeleteNotification(svc notifications.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _, ok := middleware.Caller(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}
		notificationID, err := validators.ParseURLParamUUID(r, "notificationId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.Delete(r.Context(), notificationID, userID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]bool{"deleted": true})
	}
}

type broadcastRequest struct {
	Role         string `json:"role" validate:"required,oneof=librarian client"`
	Type         string `json:"type" validate:"required,oneof=info warning success error"`
	Title        string `json:"title" validate:"required,max=120"`
	Message      string `json:"message" validate:"required,max=2000"`
	EmailSubject string `json:"email_subject" validate:"omitempty,max=200"`
}

// BroadcastNotification notifies every active user holding a role.
func BroadcastNotification(svc notifications.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req broadcastRequest
		if err := validators.DecodeJSONBody(w, r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		role, err := enums.ParseUserRole(req.Role)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid role"))
			return
		}
		kind, err := enums.ParseNotificationType(req.Type)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid type"))
			return
		}

		content := notifications.Content{
			Type:    kind,
			Title:   validators.SanitizeString(req.Title, maxTitleLen),
			Message: validators.SanitizeString(req.Message, maxMessageLen),
		}
		if subject := validators.SanitizeString(req.EmailSubject, 200); subject != "" {
			content.Email = &notifications.Email{Subject: subject}
		}

		created, err := svc.NotifyRole(r.Context(), role, content)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, map[string]int{"recipients": len(created)})
	}
}
