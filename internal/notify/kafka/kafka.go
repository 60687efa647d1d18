// Package kafka publishes ranked threat results to a Kafka topic, one record
// per result keyed by hostname.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/edrtriage/internal/triage"
)

// Producer is the subset of *kgo.Client the notifier uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Event is the JSON value of each published record.
type Event struct {
	AnalysisID   string        `json:"analysisId"`
	Rank         int           `json:"rank"`
	ModelVersion string        `json:"modelVersion"`
	Result       triage.Result `json:"result"`
}

// Notifier publishes analysis results.
type Notifier struct {
	producer Producer
	topic    string
	logger   log.Logger
	close    func()
}

// New connects a franz-go client to brokers. Records go to topic.
func New(brokers []string, topic string, logger log.Logger) (*Notifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no seed brokers")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("edrtriage"),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}
	n := NewWithProducer(cl, topic, logger)
	n.close = cl.Close
	return n, nil
}

// NewWithProducer wraps an existing producer.
func NewWithProducer(p Producer, topic string, logger log.Logger) *Notifier {
	if p == nil {
		panic(xerrors.New("kafka: producer is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{producer: p, topic: topic, logger: logger}
}

// Name identifies the notifier in logs and metrics.
func (n *Notifier) Name() string { return "kafka" }

// Send publishes every result in report and waits for acknowledgement.
// Reports without results publish nothing.
func (n *Notifier) Send(ctx context.Context, report *triage.Report) error {
	if report == nil || len(report.FilteredResults) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(report.FilteredResults))
	for i, res := range report.FilteredResults {
		value, err := json.Marshal(Event{
			AnalysisID:   report.AnalysisID,
			Rank:         i + 1,
			ModelVersion: report.ModelVersion,
			Result:       res,
		})
		if err != nil {
			return fmt.Errorf("kafka: marshal result %d: %w", res.ID, err)
		}
		records = append(records, &kgo.Record{
			Topic:     n.topic,
			Key:       []byte(res.Hostname),
			Value:     value,
			Timestamp: report.CreatedAt,
			Headers: []kgo.RecordHeader{
				{Key: "analysis_id", Value: []byte(report.AnalysisID)},
				{Key: "priority", Value: []byte(res.FinalPriority)},
				{Key: "rank", Value: []byte(strconv.Itoa(i + 1))},
			},
		})
	}

	if err := n.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce: %w", err)
	}
	n.logger.Info(ctx, "published threat results",
		"analysis_id", report.AnalysisID,
		"topic", n.topic,
		"records", len(records),
	)
	return nil
}

// Close flushes and closes the underlying client when New created it.
func (n *Notifier) Close() {
	if n.close != nil {
		n.close()
	}
}
