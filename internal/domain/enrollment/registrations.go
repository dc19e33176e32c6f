package enrollment

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	defaultRegistrationLimit = 50
	maxRegistrationLimit     = 500
)

// Register stores a single intake as PENDIENTE. A second intake of the same
// identifier for the same period returns ErrAlreadyExists.
func (s *Service) Register(ctx context.Context, row RegistrationRow, actor string) (*Registration, error) {
	reg, err := registrationFromRow(row, actor)
	if err != nil {
		return nil, err
	}
	if err := s.registrations.Create(ctx, reg); err != nil {
		return nil, fmt.Errorf("register %s: %w", reg.RUN, err)
	}
	s.logger.Info().
		Str("run", reg.RUN).
		Str("period", reg.Period.String()).
		Str("actor", actor).
		Msg("registration created")
	return reg, nil
}

// ReviewRegistration applies a manual state decision and marks the row as
// reviewed by hand.
func (s *Service) ReviewRegistration(ctx context.Context, id uuid.UUID, review Review, reviewer string) (*Registration, error) {
	if !review.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, review.State)
	}
	review.Notes = strings.TrimSpace(review.Notes)
	if strings.TrimSpace(reviewer) == "" {
		reviewer = defaultAuditActor
	}
	reg, err := s.registrations.Review(ctx, id, review, reviewer, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("registration_id", id.String()).
		Str("state", string(review.State)).
		Str("reviewer", reviewer).
		Msg("registration reviewed")
	return reg, nil
}

// ListRegistrations returns one page of registrations, the total matching
// the filter, and per-state counts over the filter without its state.
func (s *Service) ListRegistrations(ctx context.Context, filter RegistrationFilter) ([]*Registration, int, RegistrationStats, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultRegistrationLimit
	}
	if filter.Limit > maxRegistrationLimit {
		filter.Limit = maxRegistrationLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.State != "" && !filter.State.Valid() {
		return nil, 0, RegistrationStats{}, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, filter.State)
	}
	filter.Search = strings.TrimSpace(filter.Search)

	regs, total, err := s.registrations.List(ctx, filter)
	if err != nil {
		return nil, 0, RegistrationStats{}, fmt.Errorf("list registrations: %w", err)
	}
	stats, err := s.registrations.Stats(ctx, filter)
	if err != nil {
		return nil, 0, RegistrationStats{}, fmt.Errorf("list registrations: %w", err)
	}
	return regs, total, stats, nil
}
