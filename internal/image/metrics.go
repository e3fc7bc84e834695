package image

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Upload outcomes.
const (
	outcomeStored        = "stored"
	outcomeInvalid       = "invalid"
	outcomeTooLarge      = "too_large"
	outcomeStorageFailed = "storage_failed"
	outcomePersistFailed = "persist_failed"
)

// Analysis outcomes.
const (
	analysisDescribed = "described"
	analysisFallback  = "fallback"
	analysisError     = "error"
)

// Metrics counts upload pipeline and delete outcomes.
type Metrics struct {
	uploads  *prometheus.CounterVec
	analysis *prometheus.CounterVec
	deletes  *prometheus.CounterVec
}

// NewMetrics registers the pipeline counters on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "imagehost"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by outcome.",
		}, []string{"outcome"}),
		analysis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_total",
			Help:      "Image analysis results by outcome.",
		}, []string{"outcome"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "Delete attempts by outcome.",
		}, []string{"outcome"}),
	}
	var err error
	if m.uploads, err = register(reg, m.uploads); err != nil {
		return nil, err
	}
	if m.analysis, err = register(reg, m.analysis); err != nil {
		return nil, err
	}
	if m.deletes, err = register(reg, m.deletes); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector registered earlier.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register image metric: %w", err)
	}
	return c, nil
}

func (m *Metrics) upload(outcome string) {
	if m != nil {
		m.uploads.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) analyzed(outcome string) {
	if m != nil {
		m.analysis.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) deleted(err error) {
	if m == nil {
		return
	}
	outcome := "deleted"
	var se *StorageError
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrUnauthorized):
		outcome = "unauthorized"
	case errors.As(err, &se):
		outcome = "storage_failed"
	default:
		outcome = "error"
	}
	m.deletes.WithLabelValues(outcome).Inc()
}
