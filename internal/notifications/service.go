package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/libraryloans-backend/pkg/errors"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	"github.com/angelmondragon/libraryloans-backend/pkg/mailer"
	"github.com/angelmondragon/libraryloans-backend/pkg/pagination"
)

// Service stores in-app notifications and sends the matching email.
type Service interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, content Content) (Delivery, error)
	NotifyRole(ctx context.Context, role enums.UserRole, content Content) ([]models.Notification, error)
	List(ctx context.Context, params ListParams) (*ListResult, error)
	MarkRead(ctx context.Context, notificationID, requestingUserID uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	Delete(ctx context.Context, notificationID, requestingUserID uuid.UUID) error
	PurgeRead(ctx context.Context, olderThan time.Time) (int64, error)
}

// Content is one notification. Email is optional and sent best-effort.
type Content struct {
	Type    enums.NotificationType
	Title   string
	Message string
	Email   *Email
}

// Email overrides the message sent alongside the stored notification.
type Email struct {
	Subject string
	Text    string
	HTML    string
}

// Delivery reports what NotifyUser managed to do. EmailErr is set when the
// notification was stored but the email failed.
type Delivery struct {
	Notification *models.Notification
	Stored       bool
	Emailed      bool
	EmailErr     error
}

// ListParams configures pagination for notifications.
type ListParams struct {
	UserID     uuid.UUID
	Limit      int
	Cursor     string
	UnreadOnly bool
}

// ListResult wraps returned notifications and the cursor for the next page.
type ListResult struct {
	Items  []models.Notification `json:"items"`
	Cursor string                `json:"cursor"`
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	DB     txRunner
	Repo   Repository
	Mailer mailer.Sender
	Logger *logger.Logger
	Now    func() time.Time
}

type service struct {
	db     txRunner
	repo   Repository
	mailer mailer.Sender
	logg   *logger.Logger
	now    func() time.Time
}

// NewService wires notifications dependencies. A nil Mailer disables email.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction runner required")
	}
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifications repository required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		db:     params.DB,
		repo:   params.Repo,
		mailer: params.Mailer,
		logg:   params.Logger,
		now:    now,
	}, nil
}

func (s *service) NotifyUser(ctx context.Context, userID uuid.UUID, content Content) (Delivery, error) {
	if err := content.validate(); err != nil {
		return Delivery{}, err
	}

	user, err := s.repo.FindUser(ctx, userID)
	if err != nil {
		return Delivery{}, pkgerrors.Wrap(pkgerrors.CodeDelivery, err, "load notification recipient")
	}
	if user == nil {
		return Delivery{}, pkgerrors.New(pkgerrors.CodeDelivery, "notification recipient not found").
			WithDetails(map[string]any{"user_id": userID.String()})
	}

	notification := s.build(userID, content)
	if err := s.repo.Create(ctx, notification); err != nil {
		return Delivery{}, pkgerrors.Wrap(pkgerrors.CodeDelivery, err, "store notification")
	}

	delivery := Delivery{Notification: notification, Stored: true}
	if content.Email != nil {
		delivery.EmailErr = s.sendEmail(ctx, user, content)
		delivery.Emailed = delivery.EmailErr == nil
	}
	return delivery, nil
}

func (s *service) NotifyRole(ctx context.Context, role enums.UserRole, content Content) ([]models.Notification, error) {
	if !role.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid role %q", role))
	}
	if err := content.validate(); err != nil {
		return nil, err
	}

	var (
		users   []models.User
		created []models.Notification
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		users, err = repo.ActiveUsersByRole(ctx, role)
		if err != nil {
			return err
		}
		created = make([]models.Notification, 0, len(users))
		for _, user := range users {
			notification := s.build(user.ID, content)
			if err := repo.Create(ctx, notification); err != nil {
				return err
			}
			created = append(created, *notification)
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDelivery, err, "store role notifications")
	}

	if content.Email != nil {
		for i := range users {
			if err := s.sendEmail(ctx, &users[i], content); err != nil && s.logg != nil {
				s.logg.Warn(s.logg.WithUserID(ctx, users[i].ID.String()), "role notification email failed: "+err.Error())
			}
		}
	}
	return created, nil
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.List(ctx, listNotificationsParams{
		UserID:     params.UserID,
		Limit:      params.Limit,
		Cursor:     cursor,
		UnreadOnly: params.UnreadOnly,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list notifications")
	}

	items, next := pagination.Trim(rows, params.Limit, func(n models.Notification) pagination.Cursor {
		return pagination.Cursor{CreatedAt: n.CreatedAt, ID: n.ID}
	})
	return &ListResult{Items: items, Cursor: next}, nil
}

func (s *service) MarkRead(ctx context.Context, notificationID, requestingUserID uuid.UUID) error {
	if _, err := s.owned(ctx, notificationID, requestingUserID); err != nil {
		return err
	}
	if err := s.repo.MarkRead(ctx, notificationID, s.now().UTC()); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notification read")
	}
	return nil
}

func (s *service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	if userID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	count, err := s.repo.MarkAllRead(ctx, userID, s.now().UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notifications read")
	}
	return count, nil
}

func (s *service) Delete(ctx context.Context, notificationID, requestingUserID uuid.UUID) error {
	if _, err := s.owned(ctx, notificationID, requestingUserID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, notificationID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete notification")
	}
	return nil
}

// PurgeRead deletes read notifications created before olderThan.
func (s *service) PurgeRead(ctx context.Context, olderThan time.Time) (int64, error) {
	count, err := s.repo.DeleteReadBefore(ctx, olderThan.UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "purge read notifications")
	}
	return count, nil
}

func (s *service) owned(ctx context.Context, notificationID, requestingUserID uuid.UUID) (*models.Notification, error) {
	if notificationID == uuid.Nil || requestingUserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "notification id and user id required")
	}
	notification, err := s.repo.FindByID(ctx, notificationID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load notification")
	}
	if notification == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")
	}
	if notification.UserID != requestingUserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "notification belongs to another user")
	}
	return notification, nil
}

func (s *service) build(userID uuid.UUID, content Content) *models.Notification {
	return &models.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      content.Type,
		Title:     content.Title,
		Message:   content.Message,
		CreatedAt: s.now().UTC(),
	}
}

func (s *service) sendEmail(ctx context.Context, user *models.User, content Content) error {
	if s.mailer == nil {
		return fmt.Errorf("email disabled")
	}
	msg := mailer.Message{
		To:      user.Email,
		Subject: content.Email.Subject,
		Text:    content.Email.Text,
		HTML:    content.Email.HTML,
	}
	if msg.Subject == "" {
		msg.Subject = content.Title
	}
	if msg.Text == "" && msg.HTML == "" {
		msg.Text = content.Message
	}
	return s.mailer.Send(ctx, msg)
}

func (c Content) validate() error {
	if !c.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid notification type %q", c.Type))
	}
	if strings.TrimSpace(c.Title) == "" || strings.TrimSpace(c.Message) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "title and message are required")
	}
	return nil
}
