package calibration

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Instrument describes the device under calibration.
type Instrument struct {
	ID                   string          `json:"id"`
	Description          string          `json:"description"`
	Manufacturer         string          `json:"manufacturer"`
	Model                string          `json:"model"`
	SerialNumber         string          `json:"serial_number"`
	AccuracyClass        AccuracyClass   `json:"accuracy_class"`
	MaxCapacity          decimal.Decimal `json:"max_capacity"`
	VerificationDivision decimal.Decimal `json:"verification_division"`
	Resolution           decimal.Decimal `json:"resolution"`
	Unit                 string          `json:"unit"`
}

// EffectiveDivision returns e, falling back to d when e is unset.
func (i Instrument) EffectiveDivision() decimal.Decimal {
	if i.VerificationDivision.IsPositive() {
		return i.VerificationDivision
	}
	return i.Resolution
}

// Validate checks the instrument can be evaluated.
func (i Instrument) Validate() error {
	if !i.AccuracyClass.Valid() {
		return errors.Wrapf(ErrInvalidInstrument, "accuracy class %q", i.AccuracyClass)
	}
	if i.Unit == "" {
		return errors.Wrap(ErrInvalidInstrument, "unit required")
	}
	if !i.MaxCapacity.IsPositive() {
		return errors.Wrap(ErrInvalidInstrument, "max capacity must be positive")
	}
	if i.Resolution.IsNegative() || i.VerificationDivision.IsNegative() {
		return errors.Wrap(ErrInvalidInstrument, "negative division")
	}
	if !i.EffectiveDivision().IsPositive() {
		return errors.Wrap(ErrInvalidInstrument, "e or d required")
	}
	return nil
}

// ComputedResults is the output of the numeric pipeline for one event.
type ComputedResults struct {
	TrialStatistics []Statistics      `json:"trial_statistics"`
	TypeA           decimal.Decimal   `json:"type_a"`
	LowConfidence   bool              `json:"low_confidence"`
	Budget          UncertaintyBudget `json:"budget"`
	Conformity      ConformityResult  `json:"conformity"`
	Warnings        []string          `json:"warnings,omitempty"`
	Label           ResultLabel       `json:"label"`
	ComputedAt      time.Time         `json:"computed_at"`
}

// CalibrationEvent is one calibration of one instrument.
type CalibrationEvent struct {
	ID               string
	TenantID         string
	BranchID         string
	Instrument       Instrument
	MethodCode       string
	VerificationType VerificationType
	DecisionRule     DecisionRule
	CoverageFactor   decimal.Decimal
	Status           Status
	Version          int64

	Operator   string
	CreatedBy  string
	ReviewedBy string
	ReviewedAt time.Time
	ApprovedBy string
	ApprovedAt time.Time

	Readings         []Reading
	Trials           []RepeatabilityTrial
	Components       []UncertaintyComponent
	Eccentricity     []EccentricityReading
	EccentricityLoad decimal.Decimal
	Environment      EnvironmentConditions
	Standards        []ReferenceStandard
	Links            []Link

	PrefilledFromID string
	SupersedesID    string
	SupersededByID  string
	CertificateID   string
	CancelReason    string

	Results *ComputedResults

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CancelledAt time.Time
}

// Validate checks the creation invariants.
func (e *CalibrationEvent) Validate() error {
	if e == nil {
		return ErrEventNotFound
	}
	if e.ID == "" || e.TenantID == "" {
		return errors.Wrap(ErrInvalidInstrument, "event id and tenant required")
	}
	if err := e.Instrument.Validate(); err != nil {
		return err
	}
	if !e.VerificationType.Valid() {
		return errors.Wrapf(ErrInvalidInstrument, "verification type %q", e.VerificationType)
	}
	if !e.DecisionRule.Valid() {
		return errors.Wrapf(ErrInvalidDecisionRule, "%q", e.DecisionRule)
	}
	if !e.CoverageFactor.IsZero() {
		if _, err := ResolveCoverageFactor(e.CoverageFactor); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy.
func (e *CalibrationEvent) Clone() *CalibrationEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.Readings = append([]Reading(nil), e.Readings...)
	c.Trials = make([]RepeatabilityTrial, len(e.Trials))
	for i, t := range e.Trials {
		t.Measurements = append([]decimal.NullDecimal(nil), t.Measurements...)
		c.Trials[i] = t
	}
	c.Components = append([]UncertaintyComponent(nil), e.Components...)
	c.Eccentricity = append([]EccentricityReading(nil), e.Eccentricity...)
	c.Standards = append([]ReferenceStandard(nil), e.Standards...)
	c.Links = append([]Link(nil), e.Links...)
	if e.Results != nil {
		r := cloneResults(*e.Results)
		c.Results = &r
	}
	return &c
}

func cloneResults(r ComputedResults) ComputedResults {
	r.TrialStatistics = append([]Statistics(nil), r.TrialStatistics...)
	r.Budget.Lines = append([]BudgetLine(nil), r.Budget.Lines...)
	r.Conformity.Points = append([]PointResult(nil), r.Conformity.Points...)
	r.Conformity.Eccentricity = append([]EccentricityResult(nil), r.Conformity.Eccentricity...)
	r.Warnings = append([]string(nil), r.Warnings...)
	return r
}

// beginEdit guards a data edit and invalidates review, approval and results.
// Edits after computed fall back to readings_entered.
func (e *CalibrationEvent) beginEdit(actor string, now time.Time) error {
	if err := Refuse(TransitionEdit, e.Status, CanEdit(e)); err != nil {
		return err
	}
	switch e.Status {
	case StatusComputed, StatusReviewed, StatusApproved:
		e.Status = StatusReadingsEntered
	}
	e.Results = nil
	e.ReviewedBy = ""
	e.ReviewedAt = time.Time{}
	e.ApprovedBy = ""
	e.ApprovedAt = time.Time{}
	if actor != "" {
		e.Operator = actor
	}
	e.UpdatedAt = now
	return nil
}

// AddReading appends a reading. An empty unit takes the event unit.
func (e *CalibrationEvent) AddReading(r Reading, actor string, now time.Time) error {
	if r.Unit == "" {
		r.Unit = e.Instrument.Unit
	}
	if r.Direction == "" {
		r.Direction = DirectionIncreasing
	}
	if err := r.Validate(e.Instrument.Unit); err != nil {
		return err
	}
	if e.readingIndex(r.ID) >= 0 {
		return errors.Wrapf(ErrInvalidReading, "duplicate reading id %q", r.ID)
	}
	if err := e.beginEdit(actor, now); err != nil {
		return err
	}
	e.Readings = append(e.Readings, r)
	return nil
}

// UpdateReading replaces the reading with the same id.
func (e *CalibrationEvent) UpdateReading(r Reading, actor string, now time.Time) error {
	if r.Unit == "" {
		r.Unit = e.Instrument.Unit
	}
	if r.Direction == "" {
		r.Direction = DirectionIncreasing
	}
	if err := r.Validate(e.Instrument.Unit); err != nil {
		return err
	}
	idx := e.readingIndex(r.ID)
	if idx < 0 {
		return ErrReadingNotFound
	}
	if err := e.beginEdit(actor, now); err != nil {
		return err
	}
	e.Readings[idx] = r
	return nil
}

// RemoveReading deletes a reading by id.
func (e *CalibrationEvent) RemoveReading(id, actor string, now time.Time) error {
	idx := e.readingIndex(id)
	if idx < 0 {
		return ErrReadingNotFound
	}
	if err := e.beginEdit(actor, now); err != nil {
		return err
	}
	e.Readings = append(e.Readings[:idx], e.Readings[idx+1:]...)
	return nil
}

func (e *CalibrationEvent) readingIndex(id string) int {
	for i, r := range e.Readings {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// AddTrial appends a repeatability trial.
func (e *CalibrationEvent) AddTrial(t RepeatabilityTrial, actor string, now time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, existing := range e.Trials {
		if existing.ID == t.ID {
			return errors.Wrapf(ErrInvalidReading, "duplicate trial id %q", t.ID)
		}
	}
	if err := e.beginEdit(actor, now); err != nil {
		return err
	}
	e.Trials = append(e.Trials, t)
	return nil
}

// ReplaceTrials replaces all repeatability trials.
func (e *CalibrationEvent) ReplaceTrials(trials []RepeatabilityTrial, actor string, now time.Time) error {
	seen := make(map[string]struct{}, len(trials))
	for _, t := range trials {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.ID]; dup {
			return errors.Wrapf(ErrInvalidReading, "duplicate trial id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	if err := e.beginEdit(actor, now); err != nil {
		return err
	}
	e.Trials = trials
	return nil
}

// SetComponents replaces the entered uncertainty components.
func (e *CalibrationEvent) SetComponents(components []UncertaintyComponent, actor string, now time.Time) error {
	for _, c := range components {
		if _, err := c.StandardUncertainty(); err != nil {
			return err
		}
	}
	if err := e.beginEdit(actor, now); err != nil {
		return err
	}
	e.Components = components
	return nil
}

// SetEccentricity replaces the eccentricity test.
func (e *CalibrationEvent) SetEccentricity(load decimal.Decimal, readings []EccentricityReading, actor string, now time.Time) error {
	for _, r := range readings {
		if !validPosition(r.Position) {
			return errors.Wrapf(ErrInvalidReading, "eccentricity position %q", r.Position)
		}
	}
	if err := e.beginEdit(actor, now); err != nil {
		return err
	}
	e.EccentricityLoad = load
	e.Eccentricity = readings
	return nil
}

// SetEnvironment records ambient conditions.
func (e *CalibrationEvent) SetEnvironment(env EnvironmentConditions, actor string, now time.Time) error {
	if err := e.beginEdit(actor, now); err != nil {
		return err
	}
	e.Environment = env
	return nil
}

// SetStandards replaces the reference standards used.
func (e *CalibrationEvent) SetStandards(standards []ReferenceStandard, actor string, now time.Time) error {
	if err := e.beginEdit(actor, now); err != nil {
		return err
	}
	e.Standards = standards
	return nil
}

// Seed builds a new draft from a prior event. Instrument data, method,
// Type-B components, standards and reference points are copied;
// indications, trials and results are not.
func (e *CalibrationEvent) Seed(id, actor string, now time.Time) *CalibrationEvent {
	seed := &CalibrationEvent{
		ID:               id,
		TenantID:         e.TenantID,
		BranchID:         e.BranchID,
		Instrument:       e.Instrument,
		MethodCode:       e.MethodCode,
		VerificationType: e.VerificationType,
		DecisionRule:     e.DecisionRule,
		CoverageFactor:   e.CoverageFactor,
		Status:           StatusDraft,
		Operator:         actor,
		CreatedBy:        actor,
		EccentricityLoad: e.EccentricityLoad,
		Standards:        append([]ReferenceStandard(nil), e.Standards...),
		Links:            append([]Link(nil), e.Links...),
		PrefilledFromID:  e.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, c := range e.Components {
		if c.Kind == KindTypeA {
			continue
		}
		seed.Components = append(seed.Components, c)
	}
	for _, r := range e.Readings {
		seed.Readings = append(seed.Readings, Reading{
			PointIndex: r.PointIndex,
			Direction:  r.Direction,
			Repetition: r.Repetition,
			Reference:  r.Reference,
			Unit:       r.Unit,
		})
	}
	for _, t := range e.Trials {
		seed.Trials = append(seed.Trials, RepeatabilityTrial{Load: t.Load})
	}
	seed.Links = append(seed.Links, CalibrationLink{EventID: e.ID})
	return seed
}
