package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names and dimensions.
const (
	MetricAPIRequest     = "APIRequest"
	MetricAPILatency     = "APILatency"
	MetricWebhookEvent   = "WebhookEvent"
	MetricWebhookLatency = "WebhookLatency"

	DimMethod    = "Method"
	DimEndpoint  = "Endpoint"
	DimStatus    = "Status"
	DimEventType = "EventType"
	DimOutcome   = "Outcome"
)

// metricsTimeout bounds one PutMetricData call. Metrics are written inline
// because a Lambda may be frozen before a background flush runs.
const metricsTimeout = 500 * time.Millisecond

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ MetricsCollector = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes API and webhook metrics.
//
//   - APIRequest / APILatency: Dims {Method, Endpoint, Status}
//   - WebhookEvent / WebhookLatency: Dims {EventType, Outcome}
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a collector publishing to namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(DimMethod), Value: aws.String(method)},
		{Name: aws.String(DimEndpoint), Value: aws.String(endpoint)},
		{Name: aws.String(DimStatus), Value: aws.String(status)},
	}
	m.put(MetricAPIRequest, MetricAPILatency, dims, duration)
}

func (m *CloudWatchMetrics) RecordWebhook(eventType, outcome string, duration time.Duration) {
	if eventType == "" {
		eventType = "unknown"
	}
	dims := []cwtypes.Dimension{
		{Name: aws.String(DimEventType), Value: aws.String(eventType)},
		{Name: aws.String(DimOutcome), Value: aws.String(outcome)},
	}
	m.put(MetricWebhookEvent, MetricWebhookLatency, dims, duration)
}

func (m *CloudWatchMetrics) put(countName, latencyName string, dims []cwtypes.Dimension, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsTimeout)
	defer cancel()

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(countName),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: aws.String(latencyName),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: dims,
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"metric", countName,
			"error", err.Error(),
		)
	}
}

// NoopMetrics discards everything. Used locally and when metrics are off.
type NoopMetrics struct{}

func (NoopMetrics) RecordRequest(string, string, string, time.Duration) {}
func (NoopMetrics) RecordWebhook(string, string, time.Duration)         {}
