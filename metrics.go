package jobq

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vkryukov/jobq/job"
)

const instrumentationName = "github.com/vkryukov/jobq"

// queueMetrics holds the OpenTelemetry instruments a Queue records
// against: a jobs-pushed counter, a jobs-processed counter and a
// job-duration histogram, adapted from dg-queue's RegisterMetrics with
// per-job-name attributes rather than per-named-queue ones, since a
// Queue here has no separate queue-name concept of its own. There is no
// queue-depth gauge.
//
// A queueMetrics whose instruments failed to initialize is left with
// nil fields; every recording method tolerates that silently, so a
// broken meter provider never breaks job processing.
type queueMetrics struct {
	jobsPushed    metric.Int64Counter
	jobsProcessed metric.Int64Counter
	jobDuration   metric.Float64Histogram
}

func newQueueMetrics() *queueMetrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)
	m := &queueMetrics{}

	if c, err := meter.Int64Counter(
		"jobq.jobs.pushed",
		metric.WithDescription("Total jobs pushed onto the queue"),
		metric.WithUnit("{job}"),
	); err == nil {
		m.jobsPushed = c
	}

	if c, err := meter.Int64Counter(
		"jobq.jobs.processed",
		metric.WithDescription("Total jobs resolved: completed, retried, or terminally failed"),
		metric.WithUnit("{job}"),
	); err == nil {
		m.jobsProcessed = c
	}

	if h, err := meter.Float64Histogram(
		"jobq.job.duration",
		metric.WithDescription("Time from reservation to resolution"),
		metric.WithUnit("ms"),
	); err == nil {
		m.jobDuration = h
	}

	return m
}

func (m *queueMetrics) recordPush(ctx context.Context, name string) {
	if m == nil || m.jobsPushed == nil {
		return
	}
	m.jobsPushed.Add(ctx, 1, metric.WithAttributes(attribute.String("job.name", name)))
}

// recordResolution records the outcome of one dispatch: outcome is
// "completed", "retried" or "failed". Duration is measured from
// ReservedAt, so nothing is recorded for the histogram if the job was
// never actually reserved (e.g. dispatched synthetically in a test).
func (m *queueMetrics) recordResolution(ctx context.Context, j *job.Job, outcome string) {
	if m == nil || m.jobsProcessed == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("job.name", j.Name),
		attribute.String("outcome", outcome),
	)
	m.jobsProcessed.Add(ctx, 1, attrs)
	if m.jobDuration != nil && j.ReservedAt != nil {
		m.jobDuration.Record(ctx, float64(time.Since(*j.ReservedAt).Milliseconds()), attrs)
	}
}
