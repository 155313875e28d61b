package config

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	calibration "metrology-cloud/internal/calibration/domain"
	numbering "metrology-cloud/internal/numbering/domain"
	"metrology-cloud/internal/observability/metrics"
)

// Store holds the active configuration and swaps it atomically on reload.
type Store struct {
	path    string
	current atomic.Pointer[Compiled]
	logger  logrus.FieldLogger
}

// NewStore loads path (or the defaults when empty) into a new store.
func NewStore(path string, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{path: path, logger: logger}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := s.Set(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Set compiles cfg and makes it active.
func (s *Store) Set(cfg EngineConfig) error {
	compiled, err := Compile(cfg)
	if err != nil {
		return err
	}
	s.current.Store(compiled)
	return nil
}

// Reload re-reads the backing file. The previous configuration stays
// active when the file is invalid.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err == nil {
		err = s.Set(cfg)
	}
	if err != nil {
		metrics.IncConfigReload(metrics.ResultError)
		s.logger.WithError(err).WithField("path", s.path).Error("engine config reload failed, keeping previous")
		return err
	}
	metrics.IncConfigReload(metrics.ResultSuccess)
	s.logger.WithField("path", s.path).Info("engine config reloaded")
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Policy returns the calibration policy for a tenant.
func (s *Store) Policy(tenantID string) (calibration.Policy, error) {
	return s.current.Load().Policy(tenantID), nil
}

// Format implements the numbering format resolver.
func (s *Store) Format(key numbering.Key) numbering.Format {
	return s.current.Load().Format(key)
}
