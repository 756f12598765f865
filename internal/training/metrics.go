package training

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// instruments exports queue activity through the global OTel meter. With no
// provider installed the calls are no-ops.
type instruments struct {
	enqueuedCounter metric.Int64Counter
	outcomeCounter  metric.Int64Counter
	inflight        metric.Int64UpDownCounter
	duration        metric.Float64Histogram
}

func newInstruments(logger *zap.Logger) *instruments {
	meter := otel.Meter("knirv/training")
	in := &instruments{}
	var err error

	if in.enqueuedCounter, err = meter.Int64Counter("knirv.training.jobs.enqueued",
		metric.WithDescription("Training jobs accepted by the queue")); err != nil {
		logger.Warn("training metric unavailable", zap.String("metric", "enqueued"), zap.Error(err))
	}
	if in.outcomeCounter, err = meter.Int64Counter("knirv.training.jobs.outcomes",
		metric.WithDescription("Training attempts by resulting status")); err != nil {
		logger.Warn("training metric unavailable", zap.String("metric", "outcomes"), zap.Error(err))
	}
	if in.inflight, err = meter.Int64UpDownCounter("knirv.training.jobs.processing",
		metric.WithDescription("Training jobs currently running")); err != nil {
		logger.Warn("training metric unavailable", zap.String("metric", "processing"), zap.Error(err))
	}
	if in.duration, err = meter.Float64Histogram("knirv.training.job.duration",
		metric.WithDescription("Training attempt duration"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("training metric unavailable", zap.String("metric", "duration"), zap.Error(err))
	}
	return in
}

func (in *instruments) enqueued(j *Job) {
	if in.enqueuedCounter == nil {
		return
	}
	in.enqueuedCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Int("priority", j.Priority)))
}

func (in *instruments) started() {
	if in.inflight != nil {
		in.inflight.Add(context.Background(), 1)
	}
}

func (in *instruments) finished(j Job, elapsed time.Duration) {
	ctx := context.Background()
	if in.inflight != nil {
		in.inflight.Add(ctx, -1)
	}
	attrs := metric.WithAttributes(attribute.String("status", string(j.Status)))
	if in.outcomeCounter != nil {
		in.outcomeCounter.Add(ctx, 1, attrs)
	}
	if in.duration != nil {
		in.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
