package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for storage operations.
type Observer interface {
	RecordUpload(duration time.Duration, sizeBytes int64, err error)
	RecordPresign(duration time.Duration, err error)
	RecordDelete(duration time.Duration, err error)
}

// PrometheusObserver exports storage metrics to Prometheus.
type PrometheusObserver struct {
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	uploadBytes prometheus.Counter
}

// NewPrometheusObserver registers upload/presign/delete metrics.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "imagehost_storage"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency for object storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of object storage failures.",
		}, []string{"operation"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Cumulative payload size successfully uploaded to object storage.",
		}),
	}
	var err error
	if o.duration, err = register(reg, o.duration); err != nil {
		return nil, err
	}
	if o.errors, err = register(reg, o.errors); err != nil {
		return nil, err
	}
	if o.uploadBytes, err = register(reg, o.uploadBytes); err != nil {
		return nil, err
	}
	return o, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register storage metric: %w", err)
	}
	return c, nil
}

// RecordUpload tracks upload duration, size, and failures.
func (o *PrometheusObserver) RecordUpload(duration time.Duration, sizeBytes int64, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("upload").Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues("upload").Inc()
		return
	}
	if sizeBytes > 0 {
		o.uploadBytes.Add(float64(sizeBytes))
	}
}

func (o *PrometheusObserver) RecordPresign(duration time.Duration, err error) {
	recordOperation(o, "presign", duration, err)
}

func (o *PrometheusObserver) RecordDelete(duration time.Duration, err error) {
	recordOperation(o, "delete", duration, err)
}

func recordOperation(o *PrometheusObserver, op string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues(op).Inc()
	}
}

type nopObserver struct{}

func (nopObserver) RecordUpload(time.Duration, int64, error) {}

func (nopObserver) RecordPresign(time.Duration, error) {}

func (nopObserver) RecordDelete(time.Duration, error) {}

// ObservedStorage reports every call on the wrapped Storage to an Observer.
type ObservedStorage struct {
	delegate Storage
	observer Observer
	now      func() time.Time
}

// NewObservedStorage wraps delegate; a nil observer records nothing.
func NewObservedStorage(delegate Storage, observer Observer) *ObservedStorage {
	if observer == nil {
		observer = nopObserver{}
	}
	return &ObservedStorage{delegate: delegate, observer: observer, now: time.Now}
}

func (s *ObservedStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	start := s.now()
	u, err := s.delegate.Upload(ctx, key, reader, size, contentType)
	s.observer.RecordUpload(s.now().Sub(start), size, err)
	return u, err
}

func (s *ObservedStorage) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	start := s.now()
	u, err := s.delegate.PresignURL(ctx, key, ttl)
	s.observer.RecordPresign(s.now().Sub(start), err)
	return u, err
}

func (s *ObservedStorage) Delete(ctx context.Context, key string) error {
	start := s.now()
	err := s.delegate.Delete(ctx, key)
	s.observer.RecordDelete(s.now().Sub(start), err)
	return err
}

var _ Storage = (*ObservedStorage)(nil)
