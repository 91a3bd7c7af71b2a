package reminders

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
)

// ErrUnknownKind is returned by Decode for kinds this build does not handle.
var ErrUnknownKind = errors.New("unknown job kind")

// Payload is the body of a delayed job. Each kind has exactly one variant.
type Payload interface {
	Kind() enums.JobKind
	Borrow() uuid.UUID
}

// BookRef carries the denormalised book details used in messages.
type BookRef struct {
	BookTitle  string `json:"bookTitle,omitempty"`
	BookAuthor string `json:"bookAuthor,omitempty"`
}

type PickupReminder struct {
	BookRef
	BorrowID       uuid.UUID `json:"borrowId"`
	UserEmail      string    `json:"userEmail"`
	PickupDeadline time.Time `json:"pickupDeadline"`
}

type PickupExpiry struct {
	BookRef
	BorrowID        uuid.UUID `json:"borrowId"`
	UserEmail       string    `json:"userEmail"`
	PickupExpiresAt time.Time `json:"pickupExpiresAt"`
}

type DueReminder struct {
	BookRef
	BorrowID  uuid.UUID `json:"borrowId"`
	UserEmail string    `json:"userEmail"`
	DueDate   time.Time `json:"dueDate"`
}

type OverdueSetter struct {
	BorrowID uuid.UUID `json:"borrowId"`
	DueDate  time.Time `json:"dueDate"`
}

func (p PickupReminder) Kind() enums.JobKind { return enums.JobKindPickupReminder }
func (p PickupExpiry) Kind() enums.JobKind   { return enums.JobKindPickupExpiry }
func (p DueReminder) Kind() enums.JobKind    { return enums.JobKindDueReminder }
func (p OverdueSetter) Kind() enums.JobKind  { return enums.JobKindOverdueSetter }

func (p PickupReminder) Borrow() uuid.UUID { return p.BorrowID }
func (p PickupExpiry) Borrow() uuid.UUID   { return p.BorrowID }
func (p DueReminder) Borrow() uuid.UUID    { return p.BorrowID }
func (p OverdueSetter) Borrow() uuid.UUID  { return p.BorrowID }

// Encode serializes a payload for storage on the job row.
func Encode(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, errors.New("payload is required")
	}
	if p.Borrow() == uuid.Nil {
		return nil, errors.New("payload borrowId is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return raw, nil
}

// Decode parses raw into the variant registered for kind.
func Decode(kind enums.JobKind, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case enums.JobKindPickupReminder:
		var v PickupReminder
		err = json.Unmarshal(raw, &v)
		p = v
	case enums.JobKindPickupExpiry:
		var v PickupExpiry
		err = json.Unmarshal(raw, &v)
		p = v
	case enums.JobKindDueReminder:
		var v DueReminder
		err = json.Unmarshal(raw, &v)
		p = v
	case enums.JobKindOverdueSetter:
		var v OverdueSetter
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	if p.Borrow() == uuid.Nil {
		return nil, fmt.Errorf("decode %s payload: borrowId is required", kind)
	}
	return p, nil
}
