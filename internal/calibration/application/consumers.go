package application

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"metrology-cloud/internal/eventing"
)

// CertificateLogConsumer names the issued-certificate log in the processed store.
const CertificateLogConsumer = "calibration.certificate_log"

// SubscribeCertificateLog writes one log line per issued certificate. The
// processed store keeps redelivered envelopes from logging twice.
func SubscribeCertificateLog(bus eventing.Bus, processed eventing.ProcessedStore, logger logrus.FieldLogger) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	eventing.Subscribe(bus, eventing.EventTypeOf[CertificateIssued](), CertificateLogConsumer, func(ctx context.Context, event any) error {
		evt, ok := event.(CertificateIssued)
		if !ok {
			return eventing.ErrInvalidEventType
		}
		fields := logrus.Fields{
			"tenant_id":   evt.TenantID,
			"branch_id":   evt.BranchID,
			"event_id":    evt.EventID,
			"certificate": evt.Number,
			"label":       evt.Label,
			"next_due_at": evt.NextDueAt.Format(time.DateOnly),
		}
		if env, ok := eventing.EnvelopeFromContext(ctx); ok {
			fields["correlation_id"] = env.CorrelationID
		}
		logger.WithFields(fields).Info("certificate issued")
		return nil
	}, processed)
}
