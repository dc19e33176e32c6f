package enrollment

import (
	"github.com/Kuribo50/Percapita2/pkg/textnorm"
)

// Verdict is the two-valued outcome of classifying a snapshot row.
type Verdict string

const (
	VerdictValidated    Verdict = "VALIDATED"
	VerdictNotValidated Verdict = "NOT_VALIDATED"
)

// Classification rules, in precedence order.
const (
	RuleAcceptedDecision    = "accepted_decision"
	RuleRejectedDecision    = "rejected_decision"
	RuleNonValidatingReason = "non_validating_reason"
	RuleDeceasedReason      = "deceased_reason"
	RuleDefault             = "default"
)

type Classification struct {
	Verdict Verdict `json:"verdict"`
	Rule    string  `json:"rule"`
	// Gap marks a non-empty reason that matched no known list and fell
	// through to the default verdict.
	Gap bool `json:"gap,omitempty"`
}

// TaxonomyConfig overrides the built-in lists. Empty fields keep the default.
type TaxonomyConfig struct {
	AcceptedDecisions       []string
	RejectedDecisionMarkers []string
	NonValidatingReasons    []string
	ValidatingReasons       []string
	DeceasedMarker          string
}

var (
	defaultAcceptedDecisions = []string{"ACEPTADO"}
	defaultRejectedMarkers   = []string{"RECHAZADO", "RECHAZO"}
	defaultAcceptMarkers     = []string{"ACEPTADO", "MANTIENE"}
	defaultDeceasedMarker    = "FALLECIDO"

	defaultValidatingReasons = []string{
		"MANTIENE INSCRIPCION",
		"INSCRITO A FONASA",
		"MIGRADO A FONASA",
		"MIGRADOS A FONASA",
		"TRASLADO POSITIVO",
		"NUEVO USUARIO",
		"NUEVO INSCRITO",
	}
)

func defaultNonValidatingReasons() []string {
	out := []string{"TRASLADO NEGATIVO"}
	for _, prefix := range []string{"RECHAZO", "RECHAZOS", "RECHAZADO", "RECHAZADOS"} {
		for _, suffix := range []string{"PROVISIONAL", "PREVISIONAL", "FALLECIDO"} {
			out = append(out, prefix+" "+suffix)
		}
	}
	return out
}

// Taxonomy classifies snapshot decisions and reasons. All comparisons run on
// textnorm-normalized values, so list entries may carry accents or mixed case.
type Taxonomy struct {
	accepted       map[string]struct{}
	rejectMarkers  []string
	acceptMarkers  []string
	nonValidating  map[string]struct{}
	validating     map[string]struct{}
	deceasedMarker string
}

func DefaultTaxonomy() *Taxonomy {
	return NewTaxonomy(TaxonomyConfig{})
}

func NewTaxonomy(cfg TaxonomyConfig) *Taxonomy {
	pick := func(override, def []string) []string {
		if len(override) > 0 {
			return override
		}
		return def
	}

	t := &Taxonomy{
		accepted:       toSet(pick(cfg.AcceptedDecisions, defaultAcceptedDecisions)),
		rejectMarkers:  normalizeAll(pick(cfg.RejectedDecisionMarkers, defaultRejectedMarkers)),
		acceptMarkers:  normalizeAll(defaultAcceptMarkers),
		nonValidating:  toSet(pick(cfg.NonValidatingReasons, defaultNonValidatingReasons())),
		validating:     toSet(pick(cfg.ValidatingReasons, defaultValidatingReasons)),
		deceasedMarker: textnorm.Normalize(defaultDeceasedMarker),
	}
	if m := textnorm.Normalize(cfg.DeceasedMarker); m != "" {
		t.deceasedMarker = m
	}
	for a := range t.accepted {
		t.acceptMarkers = appendUnique(t.acceptMarkers, a)
	}
	return t
}

// Classify applies the decision-then-reason precedence:
//  1. decision equals an accepted value
//  2. decision contains a rejection marker
//  3. reason is in the non-validating set
//  4. reason contains the deceased marker
//  5. otherwise validated
func (t *Taxonomy) Classify(decision, reason string) Classification {
	d := textnorm.Normalize(decision)
	r := textnorm.Normalize(reason)

	if _, ok := t.accepted[d]; ok {
		return Classification{Verdict: VerdictValidated, Rule: RuleAcceptedDecision}
	}
	if containsAny(d, t.rejectMarkers) {
		return Classification{Verdict: VerdictNotValidated, Rule: RuleRejectedDecision}
	}
	if _, ok := t.nonValidating[r]; ok {
		return Classification{Verdict: VerdictNotValidated, Rule: RuleNonValidatingReason}
	}
	if t.deceasedMarker != "" && textnorm.Contains(r, t.deceasedMarker) {
		return Classification{Verdict: VerdictNotValidated, Rule: RuleDeceasedReason}
	}

	_, known := t.validating[r]
	return Classification{Verdict: VerdictValidated, Rule: RuleDefault, Gap: r != "" && !known}
}

// IsNonValidatingReason reports set membership of the normalized reason.
func (t *Taxonomy) IsNonValidatingReason(reason string) bool {
	_, ok := t.nonValidating[textnorm.Normalize(reason)]
	return ok
}

// MentionsDeceased reports whether the reason or decision carries the
// deceased marker.
func (t *Taxonomy) MentionsDeceased(decision, reason string) bool {
	if t.deceasedMarker == "" {
		return false
	}
	return textnorm.Contains(textnorm.Normalize(reason), t.deceasedMarker) ||
		textnorm.Contains(textnorm.Normalize(decision), t.deceasedMarker)
}

// DecisionRejects reports whether the decision contains a rejection marker.
func (t *Taxonomy) DecisionRejects(decision string) bool {
	return containsAny(textnorm.Normalize(decision), t.rejectMarkers)
}

// DecisionAccepts reports whether the decision mentions acceptance or
// continued enrollment (ACEPTADO, MANTIENE).
func (t *Taxonomy) DecisionAccepts(decision string) bool {
	return containsAny(textnorm.Normalize(decision), t.acceptMarkers)
}

func (t *Taxonomy) isValidating(rec *SnapshotRecord) bool {
	return t.Classify(rec.Decision, rec.Reason).Verdict == VerdictValidated
}

func containsAny(s string, markers []string) bool {
	if s == "" {
		return false
	}
	for _, m := range markers {
		if textnorm.Contains(s, m) {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if n := textnorm.Normalize(v); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func normalizeAll(values []string) []string {
	var out []string
	for _, v := range values {
		if n := textnorm.Normalize(v); n != "" {
			out = appendUnique(out, n)
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
