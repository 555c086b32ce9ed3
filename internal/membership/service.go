// internal/membership/service.go
package membership

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrInvalidMember is returned when registration input is incomplete.
	ErrInvalidMember = errors.New("invalid member")
	// ErrMemberNotFound is returned by repositories for unknown members.
	ErrMemberNotFound = errors.New("member not found")
)

// Service defines the interface for the membership service.
type Service interface {
	RegisterMember(ctx context.Context, name, email, phone string) (*Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
}

// Repository persists members.
type Repository interface {
	CreateMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
}
