package jobs

import (
	"fmt"
	"time"

	"github.com/angelmondragon/libraryloans-backend/internal/notifications"
	"github.com/angelmondragon/libraryloans-backend/internal/schedulers/reminders"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
)

const dateLayout = "Mon, 02 Jan 2006 15:04 MST"

func bookLabel(ref reminders.BookRef) string {
	switch {
	case ref.BookTitle != "" && ref.BookAuthor != "":
		return fmt.Sprintf("%q by %s", ref.BookTitle, ref.BookAuthor)
	case ref.BookTitle != "":
		return fmt.Sprintf("%q", ref.BookTitle)
	default:
		return "your book"
	}
}

func pickupReminderContent(pl reminders.PickupReminder, deadline time.Time) notifications.Content {
	msg := fmt.Sprintf("Your reservation of %s ends at %s. Pick it up before then to keep it.", bookLabel(pl.BookRef), deadline.UTC().Format(dateLayout))
	return notifications.Content{
		Type:    enums.NotificationTypeInfo,
		Title:   "Pickup reminder",
		Message: msg,
		Email:   &notifications.Email{Subject: "Reminder: pick up your reserved book"},
	}
}

// PickupExpiredContent is the notice sent once a reservation lapses, whichever
// path expired it.
func PickupExpiredContent(ref reminders.BookRef, expiredAt time.Time) notifications.Content {
	msg := fmt.Sprintf("Your reservation of %s expired on %s and the copy was released.", bookLabel(ref), expiredAt.UTC().Format(dateLayout))
	return notifications.Content{
		Type:    enums.NotificationTypeWarning,
		Title:   "Reservation expired",
		Message: msg,
		Email:   &notifications.Email{Subject: "Your reservation has expired"},
	}
}

func dueSoonContent(pl reminders.DueReminder) notifications.Content {
	msg := fmt.Sprintf("%s is due on %s. Please return it on time.", bookLabel(pl.BookRef), pl.DueDate.UTC().Format(dateLayout))
	return notifications.Content{
		Type:    enums.NotificationTypeWarning,
		Title:   "Book due soon",
		Message: msg,
		Email:   &notifications.Email{Subject: "Your borrowed book is due soon"},
	}
}

func overdueContent(record *models.BorrowRecord) notifications.Content {
	days := 0
	if record != nil && record.OverdueDays != nil {
		days = *record.OverdueDays
	}
	msg := "Your borrowed book is overdue. Please return it as soon as possible."
	if days > 0 {
		msg = fmt.Sprintf("Your borrowed book is %d day(s) overdue. Please return it as soon as possible.", days)
	}
	return notifications.Content{
		Type:    enums.NotificationTypeError,
		Title:   "Book overdue",
		Message: msg,
		Email:   &notifications.Email{Subject: "Your borrowed book is overdue"},
	}
}
