package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"metrology-cloud/internal/audit"
	"metrology-cloud/internal/auth"
	calibrationapp "metrology-cloud/internal/calibration/application"
	calibration "metrology-cloud/internal/calibration/domain"
	"metrology-cloud/internal/eventing"
	numbering "metrology-cloud/internal/numbering/domain"
	"metrology-cloud/internal/observability/metrics"
)

const (
	calibrationsPath = "/api/v1/calibrations"
	verifyPath       = "/api/v1/certificates/verify/"
	maxBodyBytes     = 1 << 20
)

// Handler provides calibration HTTP endpoints.
type Handler struct {
	service *calibrationapp.Service
	logger  logrus.FieldLogger
}

// NewHandler constructs a handler.
func NewHandler(service *calibrationapp.Service, logger logrus.FieldLogger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("calibration handler: nil service")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{service: service, logger: logger}, nil
}

// ServeHTTP handles /api/v1/calibrations, its subroutes and certificate verification.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := audit.WithRequest(r.Context(), r)
	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		ctx = eventing.WithCorrelationID(ctx, requestID)
	}
	r = r.WithContext(ctx)
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, verifyPath):
		h.handleVerify(w, r, strings.TrimPrefix(path, verifyPath))
	case path == calibrationsPath:
		switch r.Method {
		case http.MethodPost:
			h.handleCreate(w, r)
		case http.MethodGet:
			h.handleList(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case path == calibrationsPath+"/batch/compute" || path == calibrationsPath+"/batch/issue":
		h.handleBatch(w, r, strings.TrimPrefix(path, calibrationsPath+"/batch/"))
	case path == calibrationsPath+"/suggested-loads":
		h.handleSuggestLoads(w, r)
	case strings.HasPrefix(path, calibrationsPath+"/"):
		h.handleEvent(w, r, strings.Split(strings.TrimPrefix(path, calibrationsPath+"/"), "/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	links, err := calibration.LinksFromRecords(req.Links)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := h.service.Create(r.Context(), calibrationapp.CreateInput{
		BranchID:         req.BranchID,
		Instrument:       req.Instrument,
		MethodCode:       req.MethodCode,
		VerificationType: req.VerificationType,
		DecisionRule:     req.DecisionRule,
		CoverageFactor:   req.CoverageFactor,
		Links:            links,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventResponse(e))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := calibrationapp.ListFilter{
		BranchID: query.Get("branch_id"),
		Status:   calibration.Status(query.Get("status")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	events, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponses(events))
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids are required", http.StatusBadRequest)
		return
	}
	var results []calibrationapp.BatchResult
	if action == "issue" {
		results = h.service.IssueBatch(r.Context(), req.IDs)
	} else {
		results = h.service.ComputeBatch(r.Context(), req.IDs)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) handleSuggestLoads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var instrument calibration.Instrument
	if !decodeBody(w, r, &instrument) {
		return
	}
	loads, err := h.service.SuggestLoads(instrument)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loads)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request, code string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if code == "" || strings.Contains(code, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	v, err := h.service.Verify(r.Context(), code)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, id string, rest []string) {
	if len(rest) != 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entries, err := h.service.History(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request, parts []string) {
	id := parts[0]
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		e, err := h.service.Get(r.Context(), id)
		if err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toEventResponse(e))
		return
	}

	switch parts[1] {
	case "certificate":
		h.handleCertificate(w, r, id, parts[2:])
		return
	case "readings":
		h.handleReadings(w, r, id, parts[2:])
		return
	case "history":
		h.handleHistory(w, r, id, parts[2:])
		return
	}
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	action := parts[1]
	method, ok := actionMethods[action]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	var (
		e   *calibration.CalibrationEvent
		err error
	)
	switch action {
	case "repeatability":
		var trial calibration.RepeatabilityTrial
		if !decodeBody(w, r, &trial) {
			return
		}
		e, err = h.service.AddTrial(ctx, id, trial)
	case "components":
		var req componentsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		e, err = h.service.SetComponents(ctx, id, req.Components)
	case "environment":
		var env calibration.EnvironmentConditions
		if !decodeBody(w, r, &env) {
			return
		}
		e, err = h.service.SetEnvironment(ctx, id, env)
	case "standards":
		var req standardsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		e, err = h.service.SetStandards(ctx, id, req.Standards)
	case "eccentricity":
		var req eccentricityRequest
		if !decodeBody(w, r, &req) {
			return
		}
		e, err = h.service.SetEccentricity(ctx, id, req.Load, req.Readings)
	case "submit":
		e, err = h.service.Submit(ctx, id)
	case "compute":
		e, err = h.service.Compute(ctx, id)
	case "review":
		e, err = h.service.Review(ctx, id)
	case "approve":
		e, err = h.service.Approve(ctx, id)
	case "cancel":
		var req reasonRequest
		if !decodeOptionalBody(w, r, &req) {
			return
		}
		e, err = h.service.Cancel(ctx, id, req.Reason)
	case "supersede":
		var req reasonRequest
		if !decodeOptionalBody(w, r, &req) {
			return
		}
		e, err = h.service.Supersede(ctx, id, req.Reason)
	case "prefill":
		e, err = h.service.Prefill(ctx, id)
	case "issue":
		cert, err := h.service.Issue(ctx, id)
		if err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, cert)
		return
	}
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if action == "supersede" || action == "prefill" {
		status = http.StatusCreated
	}
	writeJSON(w, status, toEventResponse(e))
}

var actionMethods = map[string]string{
	"repeatability": http.MethodPost,
	"components":    http.MethodPut,
	"environment":   http.MethodPut,
	"standards":     http.MethodPut,
	"eccentricity":  http.MethodPut,
	"submit":        http.MethodPost,
	"compute":       http.MethodPost,
	"review":        http.MethodPost,
	"approve":       http.MethodPost,
	"issue":         http.MethodPost,
	"cancel":        http.MethodPost,
	"supersede":     http.MethodPost,
	"prefill":       http.MethodPost,
}

func (h *Handler) handleReadings(w http.ResponseWriter, r *http.Request, id string, rest []string) {
	ctx := r.Context()
	var (
		e   *calibration.CalibrationEvent
		err error
	)
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var reading calibration.Reading
		if !decodeBody(w, r, &reading) {
			return
		}
		e, err = h.service.AddReading(ctx, id, reading)
		if err == nil {
			writeJSON(w, http.StatusCreated, toEventResponse(e))
			return
		}
	case len(rest) == 1 && rest[0] != "" && r.Method == http.MethodPut:
		var reading calibration.Reading
		if !decodeBody(w, r, &reading) {
			return
		}
		reading.ID = rest[0]
		e, err = h.service.UpdateReading(ctx, id, reading)
	case len(rest) == 1 && rest[0] != "" && r.Method == http.MethodDelete:
		e, err = h.service.RemoveReading(ctx, id, rest[0])
	case len(rest) <= 1:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(e))
}

func (h *Handler) handleCertificate(w http.ResponseWriter, r *http.Request, id string, rest []string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cert, err := h.service.Certificate(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	switch {
	case len(rest) == 0:
		writeJSON(w, http.StatusOK, cert)
	case len(rest) == 1 && rest[0] == "export.xlsx":
		h.exportXLSX(w, cert)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) exportXLSX(w http.ResponseWriter, cert *calibration.Certificate) {
	start := time.Now()
	data, err := BuildCertificateXLSX(cert)
	if err != nil {
		metrics.ObserveCertificateExport("xlsx", metrics.ResultError, time.Since(start))
		h.logger.WithError(err).WithField("certificate_id", cert.ID).Error("certificate export failed")
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveCertificateExport("xlsx", metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+cert.Number+`.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var te *calibration.TransitionError
	switch {
	case errors.As(err, &te):
		writeJSON(w, http.StatusUnprocessableEntity, transitionErrorResponse{
			Error:      te.Error(),
			Reason:     te.Reason,
			Transition: te.Transition,
			From:       te.From,
			Detail:     te.Detail,
		})
	case errors.Is(err, calibrationapp.ErrTenantRequired):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrTenantMismatch), errors.Is(err, auth.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, calibration.ErrEventNotFound),
		errors.Is(err, calibration.ErrCertificateNotFound),
		errors.Is(err, calibration.ErrReadingNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, calibration.ErrConcurrentModification),
		errors.Is(err, calibration.ErrDuplicateEvent):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, numbering.ErrAllocatorExhausted):
		http.Error(w, "numbering unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, calibration.ErrInvalidInstrument),
		errors.Is(err, calibration.ErrInvalidReading),
		errors.Is(err, calibration.ErrInvalidComponent),
		errors.Is(err, calibration.ErrInvalidCoverageFactor),
		errors.Is(err, calibration.ErrInvalidDecisionRule),
		errors.Is(err, calibration.ErrInvalidLink),
		errors.Is(err, calibration.ErrUnitMismatch),
		errors.Is(err, calibration.ErrTooManyMeasurements),
		errors.Is(err, calibration.ErrNonTrailingGap):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("calibration request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(target); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func decodeOptionalBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decodeBody(w, r, target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
