// Package metrics emits pipeline telemetry to CloudWatch: intake volumes,
// forwarding outcomes, downstream latency, and queue lag. A Noop
// implementation serves local runs and tests.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric and dimension names.
const (
	metricBatchEntries    = "BatchEntries"
	metricEventsAccepted  = "EventsAccepted"
	metricEventsFiltered  = "EventsFiltered"
	metricEventsMalformed = "EventsMalformed"
	metricDuplicateEvents = "DuplicateEvents"
	metricForwardOutcome  = "ForwardOutcome"
	metricForwardLatency  = "ForwardLatencyMs"
	metricQueueLag        = "QueueLagMs"
	dimOutcome            = "Outcome"
)

// ForwardOutcome labels the result of a forwarding attempt.
type ForwardOutcome string

const (
	OutcomeSuccess    ForwardOutcome = "success"
	OutcomeRetry      ForwardOutcome = "retry"
	OutcomeDeadLetter ForwardOutcome = "dead_letter"
)

// PipelineMetrics abstracts telemetry for the receiver and forwarder.
type PipelineMetrics interface {
	// RecordBatch records intake counters for one webhook batch.
	RecordBatch(ctx context.Context, entries, accepted, filtered, malformed int)

	// RecordDuplicate records a delivery collapsed by the ledger's terminal check.
	RecordDuplicate(ctx context.Context)

	// RecordForward records the outcome of a forwarding attempt.
	RecordForward(ctx context.Context, outcome ForwardOutcome)

	// RecordForwardLatency records how long a downstream call took.
	RecordForwardLatency(ctx context.Context, duration time.Duration)

	// RecordQueueLag records time between message enqueue and processing start.
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertions.
var (
	_ PipelineMetrics = (*CloudWatch)(nil)
	_ PipelineMetrics = Noop{}
)

// CloudWatch implements PipelineMetrics by publishing to a CloudWatch
// namespace. Publication failures are logged and never propagate: telemetry
// must not affect the data path.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatch creates a CloudWatch metrics sink for the given namespace.
func NewCloudWatch(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatch {
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordBatch emits the intake counters for one webhook batch.
func (m *CloudWatch) RecordBatch(ctx context.Context, entries, accepted, filtered, malformed int) {
	m.put(ctx, []cwtypes.MetricDatum{
		counter(metricBatchEntries, entries),
		counter(metricEventsAccepted, accepted),
		counter(metricEventsFiltered, filtered),
		counter(metricEventsMalformed, malformed),
	})
}

// RecordDuplicate emits one DuplicateEvents count.
func (m *CloudWatch) RecordDuplicate(ctx context.Context) {
	m.put(ctx, []cwtypes.MetricDatum{counter(metricDuplicateEvents, 1)})
}

// RecordForward emits a ForwardOutcome count with the Outcome dimension.
func (m *CloudWatch) RecordForward(ctx context.Context, outcome ForwardOutcome) {
	datum := counter(metricForwardOutcome, 1)
	datum.Dimensions = []cwtypes.Dimension{
		{
			Name:  aws.String(dimOutcome),
			Value: aws.String(string(outcome)),
		},
	}
	m.put(ctx, []cwtypes.MetricDatum{datum})
}

// RecordForwardLatency emits the downstream call duration in milliseconds.
func (m *CloudWatch) RecordForwardLatency(ctx context.Context, duration time.Duration) {
	m.put(ctx, []cwtypes.MetricDatum{millis(metricForwardLatency, duration)})
}

// RecordQueueLag emits how long a message waited before processing started.
func (m *CloudWatch) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, []cwtypes.MetricDatum{millis(metricQueueLag, lag)})
}

func (m *CloudWatch) put(ctx context.Context, data []cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to publish metrics",
			"error", err.Error(),
		)
	}
}

func counter(name string, value int) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(value)),
		Unit:       cwtypes.StandardUnitCount,
	}
}

func millis(name string, d time.Duration) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	}
}

// Noop is the PipelineMetrics implementation used in tests and local runs.
type Noop struct{}

func (Noop) RecordBatch(context.Context, int, int, int, int)     {}
func (Noop) RecordDuplicate(context.Context)                     {}
func (Noop) RecordForward(context.Context, ForwardOutcome)       {}
func (Noop) RecordForwardLatency(context.Context, time.Duration) {}
func (Noop) RecordQueueLag(context.Context, time.Duration)       {}
