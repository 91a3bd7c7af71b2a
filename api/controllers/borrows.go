package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/api/middleware"
	"github.com/angelmondragon/libraryloans-backend/api/responses"
	"github.com/angelmondragon/libraryloans-backend/api/validators"
	"github.com/angelmondragon/libraryloans-backend/internal/borrows"
	"github.com/angelmondragon/libraryloans-backend/internal/ledger"
	"github.com/angelmondragon/libraryloans-backend/internal/schedulers/reminders"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/libraryloans-backend/pkg/errors"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	"github.com/angelmondragon/libraryloans-backend/pkg/pagination"
)

// BorrowService is the slice of borrows.Service the handlers call.
type BorrowService interface {
	Reserve(ctx context.Context, bookID, userID uuid.UUID) (*borrows.ActionResult, error)
	ConfirmPickup(ctx context.Context, borrowID uuid.UUID) (*borrows.ActionResult, error)
	ConfirmReturn(ctx context.Context, borrowID uuid.UUID) (*borrows.ActionResult, error)
	GetBorrow(ctx context.Context, borrowID uuid.UUID, requester borrows.Requester) (*models.BorrowRecord, error)
	ListBorrows(ctx context.Context, filter ledger.ListFilter) (*ledger.ListResult, error)
	History(ctx context.Context, input ledger.HistoryRange, requester borrows.Requester) ([]models.BorrowRecord, error)
	ReminderStatus(ctx context.Context, borrowID uuid.UUID) ([]reminders.JobState, error)
	FailedJobs(ctx context.Context, limit int) ([]reminders.FailedJob, error)
}

func requester(r *http.Request) (borrows.Requester, error) {
	userID, role, ok := middleware.Caller(r.Context())
	if !ok {
		return borrows.Requester{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	return borrows.Requester{UserID: userID, Role: role}, nil
}

// ReserveBook reserves the book in the path for the caller.
func ReserveBook(svc BorrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := requester(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		bookID, err := validators.ParseURLParamUUID(r, "bookId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithUserID(r.Context(), caller.UserID.String())
		result, err := svc.Reserve(ctx, bookID, caller.UserID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// ConfirmPickup is librarian only; the router enforces the role.
func ConfirmPickup(svc BorrowService, logg *logger.Logger) http.HandlerFunc {
	return borrowAction(logg, svc.ConfirmPickup)
}

func ConfirmReturn(svc BorrowService, logg *logger.Logger) http.HandlerFunc {
	return borrowAction(logg, svc.ConfirmReturn)
}

func borrowAction(logg *logger.Logger, action func(context.Context, uuid.UUID) (*borrows.ActionResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		borrowID, err := validators.ParseURLParamUUID(r, "borrowId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithBorrowID(r.Context(), borrowID.String())
		result, err := action(ctx, borrowID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// ListBorrows pages through borrow records. Clients only ever see their own.
func ListBorrows(svc BorrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := requester(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filter := ledger.ListFilter{
			RequesterID:   caller.UserID,
			RequesterRole: caller.Role,
			Cursor:        r.URL.Query().Get("cursor"),
		}
		if filter.Limit, err = validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if filter.UserID, err = validators.ParseQueryUUID(r, "userId"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if filter.BookID, err = validators.ParseQueryUUID(r, "bookId"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		for _, raw := range validators.ParseQueryList(r, "status") {
			status, err := enums.ParseBorrowStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}

		result, err := svc.ListBorrows(r.Context(), filter)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func GetBorrow(svc BorrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := requester(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		borrowID, err := validators.ParseURLParamUUID(r, "borrowId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		record, err := svc.GetBorrow(r.Context(), borrowID, caller)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, record)
	}
}

// BorrowHistory returns records reserved in [from, to), optionally for one user.
func BorrowHistory(svc BorrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := requester(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var input ledger.HistoryRange
		if input.From, err = validators.ParseQueryTime(r, "from"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if input.To, err = validators.ParseQueryTime(r, "to"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if input.UserID, err = validators.ParseQueryUUID(r, "userId"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		records, err := svc.History(r.Context(), input, caller)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"records": records})
	}
}

func BorrowReminders(svc BorrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		borrowID, err := validators.ParseURLParamUUID(r, "borrowId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		states, err := svc.ReminderStatus(r.Context(), borrowID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"jobs": states})
	}
}

// JobFailures lists the dead set for librarians.
func JobFailures(svc BorrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		failed, err := svc.FailedJobs(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"failures": failed})
	}
}
