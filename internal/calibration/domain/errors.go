package calibration

import "errors"

var (
	// ErrInsufficientData is returned when a repeatability series has no usable measurement.
	ErrInsufficientData = errors.New("calibration: insufficient data")
	// ErrTooManyMeasurements is returned when a trial carries more slots than allowed.
	ErrTooManyMeasurements = errors.New("calibration: too many measurements")
	// ErrNonTrailingGap is returned when an empty slot is followed by a value.
	ErrNonTrailingGap = errors.New("calibration: empty measurement slot before a value")
	// ErrNegativeSqrt is returned when a square root of a negative value is requested.
	ErrNegativeSqrt = errors.New("calibration: square root of negative value")

	// ErrIncompleteBudget is returned when a mandatory uncertainty contribution is missing.
	ErrIncompleteBudget = errors.New("calibration: incomplete uncertainty budget")
	// ErrInvalidComponent is returned when an uncertainty component is malformed.
	ErrInvalidComponent = errors.New("calibration: invalid uncertainty component")
	// ErrInvalidCoverageFactor is returned when k is outside 1..4.
	ErrInvalidCoverageFactor = errors.New("calibration: coverage factor out of range")

	// ErrMissingMPETable is returned when no MPE entry covers a point.
	ErrMissingMPETable = errors.New("calibration: no applicable MPE entry")
	// ErrInvalidDecisionRule is returned for an unknown decision rule.
	ErrInvalidDecisionRule = errors.New("calibration: invalid decision rule")
	// ErrInvalidInstrument is returned when instrument metadata cannot support evaluation.
	ErrInvalidInstrument = errors.New("calibration: invalid instrument")

	// ErrInvalidTransition is returned when the event status does not allow the transition.
	ErrInvalidTransition = errors.New("calibration: invalid transition")
	// ErrNoReadings is returned when submitting without readings.
	ErrNoReadings = errors.New("calibration: no readings")
	// ErrMissingRepeatability is returned when the method needs a repeatability trial.
	ErrMissingRepeatability = errors.New("calibration: repeatability trial required")
	// ErrUnitMismatch is returned when a reading unit differs from the event unit.
	ErrUnitMismatch = errors.New("calibration: unit mismatch")
	// ErrMakerChecker is returned when the reviewer is the operator.
	ErrMakerChecker = errors.New("calibration: reviewer must differ from operator")
	// ErrApproverRequired is returned when the caller lacks the approver role.
	ErrApproverRequired = errors.New("calibration: approver role required")
	// ErrImmutable is returned when editing an issued, superseded or cancelled event.
	ErrImmutable = errors.New("calibration: event is immutable")
	// ErrInadequateStandard is returned when a reference standard class is too coarse.
	ErrInadequateStandard = errors.New("calibration: reference standard class inadequate")
	// ErrExpiredStandard is returned when a reference standard certificate has expired.
	ErrExpiredStandard = errors.New("calibration: reference standard certificate expired")

	// ErrConcurrentModification is returned when the stored version moved.
	ErrConcurrentModification = errors.New("calibration: concurrent modification")
	// ErrDuplicateEvent is returned when an event or certificate key already exists.
	ErrDuplicateEvent = errors.New("calibration: duplicate event")
	// ErrEventNotFound is returned when an event cannot be found.
	ErrEventNotFound = errors.New("calibration: event not found")
	// ErrReadingNotFound is returned when a reading cannot be found.
	ErrReadingNotFound = errors.New("calibration: reading not found")
	// ErrCertificateNotFound is returned when a certificate cannot be found.
	ErrCertificateNotFound = errors.New("calibration: certificate not found")
	// ErrInvalidLink is returned for an unknown link kind or empty target.
	ErrInvalidLink = errors.New("calibration: invalid link")
	// ErrInvalidReading is returned when a reading is malformed.
	ErrInvalidReading = errors.New("calibration: invalid reading")
)
