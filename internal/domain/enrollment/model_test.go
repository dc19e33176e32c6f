package enrollment

import (
	"errors"
	"testing"
	"time"
)

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in      string
		want    Period
		wantErr bool
	}{
		{"2024-10", Period{2024, 10}, false},
		{" 2024-01 ", Period{2024, 1}, false},
		{"2024-13", Period{}, true},
		{"2024", Period{}, true},
		{"abcd-01", Period{}, true},
		{"", Period{}, true},
	}
	for _, tt := range tests {
		got, err := ParsePeriod(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("ParsePeriod(%q) err = %v, want ErrInvalidInput", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParsePeriod(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestPeriod_Navigation(t *testing.T) {
	jan := Period{2024, 1}
	if got := jan.Prev(); got != (Period{2023, 12}) {
		t.Errorf("Prev = %v", got)
	}
	dec := Period{2024, 12}
	if got := dec.Next(); got != (Period{2025, 1}) {
		t.Errorf("Next = %v", got)
	}
	if !jan.Before(dec) || !dec.After(jan) || jan.After(jan) {
		t.Error("ordering is wrong")
	}
	if got := PeriodOf(time.Date(2024, 10, 31, 0, 0, 0, 0, time.UTC)); got != (Period{2024, 10}) {
		t.Errorf("PeriodOf = %v", got)
	}
	if got := (Period{2024, 3}).Start(); !got.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Start = %v", got)
	}
}

func TestPeriod_Format(t *testing.T) {
	p := Period{2024, 10}
	if p.String() != "2024-10" {
		t.Errorf("String = %q", p.String())
	}
	if p.Label() != "Octubre 2024" {
		t.Errorf("Label = %q", p.Label())
	}
	if (Period{}).Label() != "0000-00" || !(Period{}).IsZero() {
		t.Error("zero period formatting")
	}
	if p.lockKey() != "cut:2024-10" {
		t.Errorf("lockKey = %q", p.lockKey())
	}
}

func TestRegistrationState_Valid(t *testing.T) {
	for _, s := range []RegistrationState{StatePending, StateValidated, StateNotValidated, StateDeceased} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if RegistrationState("ACEPTADO").Valid() {
		t.Error("unknown state accepted")
	}
	if !KindCut.Valid() || IngestionKind("OTRA").Valid() {
		t.Error("kind validation")
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 10, 31, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2024-10-31",
		"31-10-2024",
		"2024/10/31",
		"31/10/2024",
		" 2024-10-31 00:00:00",
		"2024-10-31T13:45:00Z",
	} {
		got, ok := parseDate(in)
		if !ok || !got.Equal(want) {
			t.Errorf("parseDate(%q) = %v, %v", in, got, ok)
		}
	}
	jan5 := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"5/1/2024", "05/01/2024", "2024-1-5", "5-1-2024", "2024/1/05"} {
		got, ok := parseDate(in)
		if !ok || !got.Equal(jan5) {
			t.Errorf("parseDate(%q) = %v, %v, want 2024-01-05", in, got, ok)
		}
	}
	for _, in := range []string{"", "31.10.2024", "2024-02-30", "ayer", "2024-13-01"} {
		if _, ok := parseDate(in); ok {
			t.Errorf("parseDate(%q) should fail", in)
		}
	}
	if optionalDate("no date") != nil {
		t.Error("optionalDate should drop unparseable input")
	}
}

func TestDateOnly(t *testing.T) {
	loc := time.FixedZone("CLT", -3*3600)
	got := dateOnly(time.Date(2024, 10, 31, 22, 15, 0, 0, loc))
	if !got.Equal(time.Date(2024, 10, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("dateOnly = %v", got)
	}
}
