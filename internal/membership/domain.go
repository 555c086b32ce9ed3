// internal/membership/domain.go
package membership

import (
	"time"

	"github.com/google/uuid"
)

// Member is a registered customer. The lending engine reads members but
// never changes them.
type Member struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemberRegisteredEvent is recorded when a new member registers.
type MemberRegisteredEvent struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}
