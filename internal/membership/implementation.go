// internal/membership/implementation.go
package membership

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// service implements the Service interface.
type service struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new membership service instance.
func NewService(repo Repository, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// RegisterMember creates a new member.
func (s *service) RegisterMember(ctx context.Context, name, email, phone string) (*Member, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidMember)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email %q", ErrInvalidMember, email)
	}

	now := s.now().UTC()
	member := &Member{
		ID:        uuid.New(),
		Name:      name,
		Email:     email,
		Phone:     strings.TrimSpace(phone),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateMember(ctx, member); err != nil {
		return nil, fmt.Errorf("failed to create member: %w", err)
	}

	s.logger.Info("member registered", zap.String("member_id", member.ID.String()))
	return member, nil
}

// GetMember retrieves a member by ID.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	m, err := s.repo.GetMember(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}
