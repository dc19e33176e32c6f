package enrollment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Period is a year-month pair. Snapshots belong to the period of their
// snapshot date; registrations target the period they should appear in.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

var monthNames = [12]string{
	"Enero", "Febrero", "Marzo", "Abril", "Mayo", "Junio",
	"Julio", "Agosto", "Septiembre", "Octubre", "Noviembre", "Diciembre",
}

func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// ParsePeriod accepts "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	year, month, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Period{}, fmt.Errorf("%w: period %q must be YYYY-MM", ErrInvalidInput, s)
	}
	y, err := strconv.Atoi(year)
	if err != nil || y < 1900 {
		return Period{}, fmt.Errorf("%w: invalid period year %q", ErrInvalidInput, year)
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return Period{}, fmt.Errorf("%w: invalid period month %q", ErrInvalidInput, month)
	}
	return Period{Year: y, Month: m}, nil
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Label renders the period for display, e.g. "Octubre 2024".
func (p Period) Label() string {
	if p.Month < 1 || p.Month > 12 {
		return p.String()
	}
	return fmt.Sprintf("%s %d", monthNames[p.Month-1], p.Year)
}

func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

func (p Period) Prev() Period {
	if p.Month == 1 {
		return Period{Year: p.Year - 1, Month: 12}
	}
	return Period{Year: p.Year, Month: p.Month - 1}
}

func (p Period) Next() Period {
	if p.Month == 12 {
		return Period{Year: p.Year + 1, Month: 1}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

func (p Period) After(o Period) bool { return o.Before(p) }

// Start returns the first day of the period in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

func (p Period) lockKey() string { return "cut:" + p.String() }

// RegistrationState is the reconciliation state of a pending registration.
type RegistrationState string

const (
	StatePending      RegistrationState = "PENDIENTE"
	StateValidated    RegistrationState = "VALIDADO"
	StateNotValidated RegistrationState = "NO_VALIDADO"
	StateDeceased     RegistrationState = "FALLECIDO"
)

func (s RegistrationState) Valid() bool {
	switch s {
	case StatePending, StateValidated, StateNotValidated, StateDeceased:
		return true
	}
	return false
}

// EventState is the state of one timeline entry.
type EventState string

const (
	EventValidated  EventState = "VALIDADO"
	EventRejected   EventState = "RECHAZADO"
	EventRegistered EventState = "INSCRIPCION"
	EventAbsent     EventState = "AUSENTE"
)

// IngestionKind names the source of a bulk load.
type IngestionKind string

const (
	KindCut             IngestionKind = "CORTE_FONASA"
	KindRegistrations   IngestionKind = "NUEVOS_USUARIOS"
	KindPatientRegistry IngestionKind = "HP_TRAKCARE"
)

func (k IngestionKind) Valid() bool {
	switch k {
	case KindCut, KindRegistrations, KindPatientRegistry:
		return true
	}
	return false
}

// Outcome is the audit status of one ingestion.
type Outcome string

const (
	OutcomeSuccess Outcome = "EXITOSO"
	OutcomePartial Outcome = "PARCIAL"
	OutcomeError   Outcome = "ERROR"
)

// -- Input rows --

// SnapshotRow is one decoded line of a monthly cut file.
type SnapshotRow struct {
	RUN             string `json:"run"`
	FirstNames      string `json:"first_names"`
	PaternalSurname string `json:"paternal_surname"`
	MaternalSurname string `json:"maternal_surname"`
	BirthDate       string `json:"birth_date"`
	Gender          string `json:"gender"`
	GenderCode      string `json:"gender_code"`
	Tier            string `json:"tier"`
	SnapshotDate    string `json:"snapshot_date"`
	CenterName      string `json:"center_name"`
	OriginCenter    string `json:"origin_center"`
	OriginCommune   string `json:"origin_commune"`
	CurrentCenter   string `json:"current_center"`
	CurrentCommune  string `json:"current_commune"`
	Decision        string `json:"decision"`
	Reason          string `json:"reason"`
}

// RegistrationRow is one decoded line of a new-users file. Period is
// optional ("YYYY-MM") and defaults to the registration month.
type RegistrationRow struct {
	RUN              string `json:"run"`
	FullName         string `json:"full_name"`
	RegistrationDate string `json:"registration_date"`
	Period           string `json:"period,omitempty"`
	Nationality      string `json:"nationality"`
	Ethnicity        string `json:"ethnicity"`
	Sector           string `json:"sector"`
	Subsector        string `json:"subsector"`
	PercapitaCode    string `json:"percapita_code"`
	Facility         string `json:"facility"`
	Notes            string `json:"notes"`
}

// PatientRow is one decoded line of the patient registry export.
type PatientRow struct {
	RUN                   string `json:"run"`
	RegistryCode          string `json:"registry_code"`
	TrakcareID            string `json:"trakcare_id"`
	FamilyCode            string `json:"family_code"`
	HouseholdRelationship string `json:"household_relationship"`
	FirstNames            string `json:"first_names"`
	PaternalSurname       string `json:"paternal_surname"`
	MaternalSurname       string `json:"maternal_surname"`
	Gender                string `json:"gender"`
	BirthDate             string `json:"birth_date"`
	Nationality           string `json:"nationality"`
	Ethnicity             string `json:"ethnicity"`
	Sector                string `json:"sector"`
	EnrollmentCenter      string `json:"enrollment_center"`
	HealthService         string `json:"health_service"`
	DeathDate             string `json:"death_date"`
}

// -- Stored records --

// SnapshotRecord maps to the cut_record table.
type SnapshotRecord struct {
	ID               int64      `db:"id" json:"id"`
	RUN              string     `db:"run" json:"run"`
	FirstNames       string     `db:"first_names" json:"first_names"`
	PaternalSurname  string     `db:"paternal_surname" json:"paternal_surname"`
	MaternalSurname  string     `db:"maternal_surname" json:"maternal_surname"`
	BirthDate        *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender           string     `db:"gender" json:"gender"`
	GenderCode       string     `db:"gender_code" json:"gender_code"`
	Tier             string     `db:"tier" json:"tier"`
	SnapshotDate     time.Time  `db:"snapshot_date" json:"snapshot_date"`
	Period           Period     `json:"period"`
	CenterName       string     `db:"center_name" json:"center_name"`
	OriginCenter     string     `db:"origin_center" json:"origin_center"`
	OriginCommune    string     `db:"origin_commune" json:"origin_commune"`
	CurrentCenter    string     `db:"current_center" json:"current_center"`
	CurrentCommune   string     `db:"current_commune" json:"current_commune"`
	Decision         string     `db:"decision" json:"decision"`
	Reason           string     `db:"reason" json:"reason"`
	ReasonNormalized string     `db:"reason_normalized" json:"reason_normalized"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// PatientRecord maps to the patient_registry table.
type PatientRecord struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	RUN                   string     `db:"run" json:"run"`
	RegistryCode          string     `db:"registry_code" json:"registry_code"`
	TrakcareID            string     `db:"trakcare_id" json:"trakcare_id"`
	FamilyCode            string     `db:"family_code" json:"family_code"`
	HouseholdRelationship string     `db:"household_relationship" json:"household_relationship"`
	FirstNames            string     `db:"first_names" json:"first_names"`
	PaternalSurname       string     `db:"paternal_surname" json:"paternal_surname"`
	MaternalSurname       string     `db:"maternal_surname" json:"maternal_surname"`
	Gender                string     `db:"gender" json:"gender"`
	BirthDate             *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Nationality           string     `db:"nationality" json:"nationality"`
	Ethnicity             string     `db:"ethnicity" json:"ethnicity"`
	Sector                string     `db:"sector" json:"sector"`
	EnrollmentCenter      string     `db:"enrollment_center" json:"enrollment_center"`
	HealthService         string     `db:"health_service" json:"health_service"`
	DeathDate             *time.Time `db:"death_date" json:"death_date,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *PatientRecord) Deceased() bool { return p.DeathDate != nil }

// Registration maps to the registration table.
type Registration struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	RUN               string            `db:"run" json:"run"`
	FullName          string            `db:"full_name" json:"full_name"`
	RegistrationDate  time.Time         `db:"registration_date" json:"registration_date"`
	Period            Period            `json:"period"`
	Nationality       string            `db:"nationality" json:"nationality"`
	Ethnicity         string            `db:"ethnicity" json:"ethnicity"`
	Sector            string            `db:"sector" json:"sector"`
	Subsector         string            `db:"subsector" json:"subsector"`
	PercapitaCode     string            `db:"percapita_code" json:"percapita_code"`
	Facility          string            `db:"facility" json:"facility"`
	Notes             string            `db:"notes" json:"notes"`
	State             RegistrationState `db:"state" json:"state"`
	Reviewed          bool              `db:"reviewed" json:"reviewed"`
	ReviewedManually  bool              `db:"reviewed_manually" json:"reviewed_manually"`
	ReviewedBy        *string           `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time        `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ReviewNotes       string            `db:"review_notes" json:"review_notes"`
	ValidationBatchID *uuid.UUID        `db:"validation_batch_id" json:"validation_batch_id,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
	CreatedBy         string            `db:"created_by" json:"created_by"`
}

// ValidationBatch maps to the validation_batch table.
type ValidationBatch struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Period       Period    `json:"period"`
	SnapshotDate time.Time `db:"snapshot_date" json:"snapshot_date"`
	Total        int       `db:"total_count" json:"total"`
	Validated    int       `db:"validated_count" json:"validated"`
	NotValidated int       `db:"not_validated_count" json:"not_validated"`
	Deceased     int       `db:"deceased_count" json:"deceased"`
	Pending      int       `db:"pending_count" json:"pending"`
	Notes        string    `db:"notes" json:"notes"`
	ProcessedAt  time.Time `db:"processed_at" json:"processed_at"`
	ProcessedBy  string    `db:"processed_by" json:"processed_by"`
}

// IngestionRecord maps to the ingestion_audit table.
type IngestionRecord struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	Kind            IngestionKind `db:"kind" json:"kind"`
	FileName        string        `db:"file_name" json:"file_name"`
	Actor           string        `db:"actor" json:"actor"`
	LoadedAt        time.Time     `db:"loaded_at" json:"loaded_at"`
	Period          *Period       `json:"period,omitempty"`
	SnapshotDate    *time.Time    `db:"snapshot_date" json:"snapshot_date,omitempty"`
	Total           int           `db:"total_rows" json:"total"`
	Created         int           `db:"created_rows" json:"created"`
	Updated         int           `db:"updated_rows" json:"updated"`
	Invalid         int           `db:"invalid_rows" json:"invalid"`
	Outcome         Outcome       `db:"outcome" json:"outcome"`
	ReplaceMode     bool          `db:"replace_mode" json:"replace_mode"`
	Notes           string        `db:"notes" json:"notes"`
	DurationSeconds *float64      `db:"duration_seconds" json:"duration_seconds,omitempty"`
	ClientIP        *string       `db:"client_ip" json:"client_ip,omitempty"`
	ArchiveKey      *string       `db:"archive_key" json:"archive_key,omitempty"`

	// Derived, not stored.
	SuccessRate float64        `json:"success_rate"`
	PeriodStats *PeriodSummary `json:"period_stats,omitempty"`
}

// -- Operation inputs and results --

// RowError reports a row that was rejected at the boundary. Index is the
// row's position in the submitted slice.
type RowError struct {
	Index  int    `json:"index"`
	RUN    string `json:"run,omitempty"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Index, e.Reason)
}

type IngestOptions struct {
	Replace  bool
	Actor    string
	FileName string
	ClientIP string
}

// IngestionOutcome is returned by every bulk load.
type IngestionOutcome struct {
	Kind          IngestionKind        `json:"kind"`
	Total         int                  `json:"total"`
	Created       int                  `json:"created"`
	Updated       int                  `json:"updated"`
	Deleted       int                  `json:"deleted"`
	Invalid       []RowError           `json:"invalid"`
	Periods       []Period             `json:"periods,omitempty"`
	Replaced      bool                 `json:"replaced"`
	Audit         *IngestionRecord     `json:"audit,omitempty"`
	AutoReconcile *AutoReconcileResult `json:"auto_reconcile,omitempty"`
	Warnings      []string             `json:"warnings,omitempty"`
}

// AutoReconcileResult summarizes the reconciliation run that follows a cut
// ingestion.
type AutoReconcileResult struct {
	Period       Period    `json:"period"`
	SnapshotDate time.Time `json:"snapshot_date"`
	Processed    int       `json:"processed"`
	Validated    int       `json:"validated"`
	NotValidated int       `json:"not_validated"`
	Deceased     int       `json:"deceased"`
}

// Candidate asks the fast path to re-check one registration. RUN and
// RegistrationDate fall back to the stored registration when empty.
type Candidate struct {
	ID               uuid.UUID `json:"id"`
	RUN              string    `json:"run,omitempty"`
	RegistrationDate string    `json:"registration_date,omitempty"`
}

type CandidateResult struct {
	ID              uuid.UUID         `json:"id"`
	RUN             string            `json:"run"`
	PreviousState   RegistrationState `json:"previous_state"`
	State           RegistrationState `json:"state"`
	Changed         bool              `json:"changed"`
	MatchedSnapshot bool              `json:"matched_snapshot"`
	SnapshotPeriod  *Period           `json:"snapshot_period,omitempty"`
	SnapshotDate    *time.Time        `json:"snapshot_date,omitempty"`
	Decision        string            `json:"decision,omitempty"`
	Reason          string            `json:"reason,omitempty"`
}

// PeriodEvent is one entry of an identifier's timeline.
type PeriodEvent struct {
	Period          Period            `json:"period"`
	Label           string            `json:"label"`
	State           EventState        `json:"state"`
	SnapshotDate    *time.Time        `json:"snapshot_date,omitempty"`
	FirstNames      string            `json:"first_names,omitempty"`
	PaternalSurname string            `json:"paternal_surname,omitempty"`
	MaternalSurname string            `json:"maternal_surname,omitempty"`
	BirthDate       *time.Time        `json:"birth_date,omitempty"`
	Gender          string            `json:"gender,omitempty"`
	Decision        string            `json:"decision,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	OriginCenter    string            `json:"origin_center,omitempty"`
	OriginCommune   string            `json:"origin_commune,omitempty"`
	CurrentCenter   string            `json:"current_center,omitempty"`
	CurrentCommune  string            `json:"current_commune,omitempty"`
	Registration    *RegistrationInfo `json:"registration,omitempty"`
}

type RegistrationInfo struct {
	ID               uuid.UUID         `json:"id"`
	RegistrationDate time.Time         `json:"registration_date"`
	State            RegistrationState `json:"state"`
	Facility         string            `json:"facility,omitempty"`
	Sector           string            `json:"sector,omitempty"`
	Notes            string            `json:"notes,omitempty"`
}

// IngestionSummary is the input to RecordIngestionAudit.
type IngestionSummary struct {
	Kind         IngestionKind `json:"kind"`
	FileName     string        `json:"file_name"`
	Actor        string        `json:"actor"`
	Period       *Period       `json:"period,omitempty"`
	SnapshotDate *time.Time    `json:"snapshot_date,omitempty"`
	Total        int           `json:"total"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Invalid      int           `json:"invalid"`
	ReplaceMode  bool          `json:"replace_mode"`
	Notes        string        `json:"notes"`
	Duration     time.Duration `json:"-"`
	ClientIP     string        `json:"-"`
	ArchiveKey   string        `json:"-"`
	Failure      string        `json:"failure,omitempty"`
}

type IngestionFilter struct {
	Kind   IngestionKind
	Actor  string
	Period *Period
	Limit  int
}

type RegistrationFilter struct {
	Period *Period
	State  RegistrationState
	Search string
	Limit  int
	Offset int
}

// RegistrationStats counts registrations per state over a filtered set.
type RegistrationStats struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Validated    int `json:"validated"`
	NotValidated int `json:"not_validated"`
	Deceased     int `json:"deceased"`
}

func (s *RegistrationStats) add(state RegistrationState, n int) {
	s.Total += n
	switch state {
	case StatePending:
		s.Pending += n
	case StateValidated:
		s.Validated += n
	case StateNotValidated:
		s.NotValidated += n
	case StateDeceased:
		s.Deceased += n
	}
}

// Review is a manual state decision on one registration.
type Review struct {
	State RegistrationState `json:"state"`
	Notes string            `json:"notes"`
}
