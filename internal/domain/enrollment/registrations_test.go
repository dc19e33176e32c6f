package enrollment

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestRegister(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	reg, err := f.svc.Register(ctx, RegistrationRow{
		RUN:              "12.345.678-5",
		RegistrationDate: "15/09/2024",
		Facility:         " CESFAM CENTRAL ",
	}, "ana")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.RUN != "12345678-5" || reg.Period != (Period{2024, 9}) {
		t.Errorf("unexpected registration %+v", reg)
	}
	if reg.FullName != "12345678-5" {
		t.Errorf("missing name should fall back to the run, got %q", reg.FullName)
	}
	if reg.Facility != "CESFAM CENTRAL" || reg.State != StatePending || reg.CreatedBy != "ana" {
		t.Errorf("unexpected registration %+v", reg)
	}

	_, err = f.svc.Register(ctx, regRow("12345678-5", "2024-09-30"), "ana")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate err = %v, want ErrAlreadyExists", err)
	}
	if _, err := f.svc.Register(ctx, regRow("12345678-5", "2024-10-01"), "ana"); err != nil {
		t.Errorf("next period should be accepted: %v", err)
	}
}

func TestRegister_InvalidInput(t *testing.T) {
	f := newFixture()
	tests := []RegistrationRow{
		{RUN: "", RegistrationDate: "2024-09-15"},
		{RUN: "12345678-5", RegistrationDate: ""},
		{RUN: "12345678-5", RegistrationDate: "2024-09-15", Period: "2024-13"},
	}
	for _, row := range tests {
		if _, err := f.svc.Register(context.Background(), row, "ana"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Register(%+v) err = %v, want ErrInvalidInput", row, err)
		}
	}
}

func TestReviewRegistration(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	reg, _ := f.svc.Register(ctx, regRow("12345678-5", "2024-09-15"), "ana")

	got, err := f.svc.ReviewRegistration(ctx, reg.ID, Review{State: StateValidated, Notes: " revisado en terreno "}, "luis")
	if err != nil {
		t.Fatalf("ReviewRegistration: %v", err)
	}
	if got.State != StateValidated || !got.Reviewed || !got.ReviewedManually {
		t.Errorf("unexpected review result %+v", got)
	}
	if got.ReviewNotes != "revisado en terreno" {
		t.Errorf("notes = %q", got.ReviewNotes)
	}
	if got.ReviewedBy == nil || *got.ReviewedBy != "luis" {
		t.Error("reviewer not stored")
	}
	if got.ReviewedAt == nil || !got.ReviewedAt.Equal(fixedNow) {
		t.Errorf("reviewed at = %v", got.ReviewedAt)
	}

	if _, err := f.svc.ReviewRegistration(ctx, reg.ID, Review{State: "ACEPTADO"}, "luis"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("invalid state err = %v", err)
	}
	if _, err := f.svc.ReviewRegistration(ctx, uuid.New(), Review{State: StateDeceased}, "luis"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id err = %v", err)
	}
}

func TestListRegistrations(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, _ := f.svc.Register(ctx, regRow("10000001-K", "2024-09-02"), "ana")
	_, _ = f.svc.Register(ctx, regRow("10000002-8", "2024-09-03"), "ana")
	_, _ = f.svc.Register(ctx, regRow("10000003-6", "2024-10-03"), "ana")
	_, _ = f.registrations.UpdateStates(ctx, []StateUpdate{{ID: a.ID, State: StateValidated}})

	sept := Period{2024, 9}
	regs, total, stats, err := f.svc.ListRegistrations(ctx, RegistrationFilter{Period: &sept, State: StateValidated})
	if err != nil {
		t.Fatalf("ListRegistrations: %v", err)
	}
	if total != 1 || len(regs) != 1 || regs[0].ID != a.ID {
		t.Errorf("state filter: total=%d len=%d", total, len(regs))
	}
	if stats.Total != 2 || stats.Validated != 1 || stats.Pending != 1 {
		t.Errorf("stats should ignore the state filter: %+v", stats)
	}

	regs, total, _, err = f.svc.ListRegistrations(ctx, RegistrationFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListRegistrations: %v", err)
	}
	if total != 3 || len(regs) != 2 {
		t.Errorf("paging: total=%d len=%d", total, len(regs))
	}

	if _, _, _, err := f.svc.ListRegistrations(ctx, RegistrationFilter{State: "OTRO"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("invalid state err = %v", err)
	}
}
