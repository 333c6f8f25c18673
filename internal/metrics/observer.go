// Package metrics exports media service telemetry to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pavel-fokin/media-stash/internal/media"
)

const defaultNamespace = "media_stash"

// Observer implements media.Observer with Prometheus collectors.
type Observer struct {
	uploadDuration     *prometheus.HistogramVec
	processingDuration *prometheus.HistogramVec
	operationErrors    *prometheus.CounterVec
	storedBytes        *prometheus.CounterVec
	retrievals         *prometheus.CounterVec
	deletions          *prometheus.CounterVec
}

// NewObserver registers the media metrics with reg. A nil reg means the
// default registerer.
func NewObserver(namespace string, reg prometheus.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{}
	var err error
	if o.uploadDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_duration_seconds",
		Help:      "Latency of uploads including processing and storage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})); err != nil {
		return nil, err
	}
	if o.processingDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "processing_duration_seconds",
		Help:      "Latency of image re-encoding and video transcoding.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"type"})); err != nil {
		return nil, err
	}
	if o.operationErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operation_errors_total",
		Help:      "Count of failed media operations.",
	}, []string{"operation", "type"})); err != nil {
		return nil, err
	}
	if o.storedBytes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stored_bytes_total",
		Help:      "Cumulative size of stored uploads.",
	}, []string{"type"})); err != nil {
		return nil, err
	}
	if o.retrievals, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retrievals_total",
		Help:      "Count of successful media retrievals.",
	}, []string{"type", "rendition"})); err != nil {
		return nil, err
	}
	if o.deletions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deletions_total",
		Help:      "Count of deleted media files.",
	}, []string{"type"})); err != nil {
		return nil, err
	}
	return o, nil
}

// register adds c to reg, reusing an identical collector registered earlier.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register media metric: %w", err)
	}
	return c, nil
}

// ObserveUpload tracks upload latency, stored bytes and failures.
func (o *Observer) ObserveUpload(t media.Type, duration time.Duration, size int64, err error) {
	if o == nil {
		return
	}
	typ := label(t)
	o.uploadDuration.WithLabelValues(typ).Observe(duration.Seconds())
	if err != nil {
		o.operationErrors.WithLabelValues("upload", typ).Inc()
		return
	}
	o.storedBytes.WithLabelValues(typ).Add(float64(size))
}

func (o *Observer) ObserveProcessing(t media.Type, duration time.Duration, err error) {
	if o == nil {
		return
	}
	typ := label(t)
	o.processingDuration.WithLabelValues(typ).Observe(duration.Seconds())
	if err != nil {
		o.operationErrors.WithLabelValues("process", typ).Inc()
	}
}

func (o *Observer) ObserveRetrieve(t media.Type, rendition bool, err error) {
	if o == nil {
		return
	}
	typ := label(t)
	if err != nil {
		o.operationErrors.WithLabelValues("retrieve", typ).Inc()
		return
	}
	o.retrievals.WithLabelValues(typ, strconv.FormatBool(rendition)).Inc()
}

func (o *Observer) ObserveDelete(t media.Type, err error) {
	if o == nil {
		return
	}
	typ := label(t)
	if err != nil {
		o.operationErrors.WithLabelValues("delete", typ).Inc()
		return
	}
	o.deletions.WithLabelValues(typ).Inc()
}

func label(t media.Type) string {
	if !t.Valid() {
		return "unknown"
	}
	return t.String()
}
