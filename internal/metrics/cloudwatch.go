package metrics

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"venuesync/config"
	"venuesync/logger"
)

//go:embed CWdash.json
var dashboardTemplate string

const (
	cloudWatchBatchSize     = 20
	cloudWatchFlushInterval = 10 * time.Second
	cloudWatchQueueSize     = 1024
)

type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, params *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

// CloudWatchSink batches emitted metrics and publishes them with
// PutMetricData. Metrics are dropped, not blocked on, when the queue is full.
type CloudWatchSink struct {
	client    cloudWatchAPI
	namespace string
	queue     chan Metric
	handlerID MetricHandlerID
	log       *logger.Entry
	done      chan struct{}
}

// InitCloudWatch builds a CloudWatch client from cfg, publishes the dashboard
// and registers the sink. Static credentials are used when both keys are set;
// otherwise the default AWS credential chain applies.
func InitCloudWatch(ctx context.Context, cfg config.CloudWatchConfig) (*CloudWatchSink, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	sink := newCloudWatchSink(cloudwatch.NewFromConfig(awsCfg), cfg.Namespace)
	if err := sink.putDashboard(ctx, cfg.Dashboard, awsCfg.Region); err != nil {
		sink.log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}

	sink.start(ctx)
	sink.log.WithFields(logger.Fields{"region": awsCfg.Region, "namespace": cfg.Namespace}).Info("initialized CloudWatch client")
	return sink, nil
}

func newCloudWatchSink(client cloudWatchAPI, namespace string) *CloudWatchSink {
	return &CloudWatchSink{
		client:    client,
		namespace: namespace,
		queue:     make(chan Metric, cloudWatchQueueSize),
		log:       logger.GetLogger().WithComponent("cloudwatch"),
		done:      make(chan struct{}),
	}
}

func (s *CloudWatchSink) start(ctx context.Context) {
	s.handlerID = RegisterMetricHandler(s.enqueue)
	go s.run(ctx)
}

// Close unregisters the sink and waits for the final flush.
func (s *CloudWatchSink) Close() {
	UnregisterMetricHandler(s.handlerID)
	<-s.done
}

func (s *CloudWatchSink) enqueue(m Metric) {
	select {
	case s.queue <- m:
	default:
		s.log.WithField("metric", m.Name).Debug("CloudWatch queue full; metric dropped")
	}
}

func (s *CloudWatchSink) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(cloudWatchFlushInterval)
	defer ticker.Stop()

	batch := make([]cwtypes.MetricDatum, 0, cloudWatchBatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		s.publish(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case m := <-s.queue:
					batch = append(batch, toDatum(m))
				default:
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					flush(flushCtx)
					cancel()
					return
				}
			}
		case m := <-s.queue:
			batch = append(batch, toDatum(m))
			if len(batch) >= cloudWatchBatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (s *CloudWatchSink) publish(ctx context.Context, data []cwtypes.MetricDatum) {
	if _, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(s.namespace),
		MetricData: data,
	}); err != nil {
		s.log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		names = append(names, aws.ToString(datum.MetricName))
	}
	s.log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

func (s *CloudWatchSink) putDashboard(ctx context.Context, name, region string) error {
	if name == "" {
		return nil
	}

	body := strings.ReplaceAll(dashboardTemplate, "${NAMESPACE}", s.namespace)
	body = strings.ReplaceAll(body, "${REGION}", region)
	if !json.Valid([]byte(body)) {
		return fmt.Errorf("dashboard template is not valid JSON after substitution")
	}

	_, err := s.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(name),
		DashboardBody: aws.String(body),
	})
	return err
}

func toDatum(m Metric) cwtypes.MetricDatum {
	unit := cwtypes.StandardUnitCount
	if raw, ok := m.Fields["unit"].(string); ok {
		unit = metricUnitFromString(raw)
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for k, v := range m.Labels() {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
	}

	return cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Dimensions: dims,
		Timestamp:  aws.Time(m.Timestamp),
		Unit:       unit,
		Value:      aws.Float64(m.Value),
	}
}

func metricUnitFromString(unit string) cwtypes.StandardUnit {
	switch strings.ToLower(unit) {
	case "percent":
		return cwtypes.StandardUnitPercent
	case "milliseconds", "ms":
		return cwtypes.StandardUnitMilliseconds
	case "bytes":
		return cwtypes.StandardUnitBytes
	default:
		return cwtypes.StandardUnitCount
	}
}
