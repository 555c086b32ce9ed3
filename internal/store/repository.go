package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mancanexus/internal/journal"
	"mancanexus/internal/membership"
)

// MemberRepository adapts s to the membership service.
func MemberRepository(s Store) membership.Repository {
	return memberRepo{s: s}
}

type memberRepo struct {
	s Store
}

func (r memberRepo) CreateMember(ctx context.Context, m *membership.Member) error {
	return r.s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertMember(ctx, m); err != nil {
			return err
		}
		ev, err := journal.New(m.ID, journal.AggregateMember, journal.MemberRegistered,
			membership.MemberRegisteredEvent{ID: m.ID, Name: m.Name, Email: m.Email}, m.CreatedAt)
		if err != nil {
			return err
		}
		return tx.Append(ctx, ev)
	})
}

func (r memberRepo) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	m, err := r.s.GetMember(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", membership.ErrMemberNotFound, err)
	}
	return m, err
}
