package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/tow-dispatch/internal/models"
)

// LocationEvent is the wire shape published for each accepted position
// report, keyed by driver id so per-driver ordering is preserved.
type LocationEvent struct {
	DriverID string          `json:"driver_id"`
	Location models.Location `json:"location"`
}

// LocationProducer streams accepted position reports to Kafka for
// downstream ingestion (see cmd/consumer).
type LocationProducer struct {
	writer *kafka.Writer
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &LocationProducer{writer: w}
}

func (p *LocationProducer) Publish(ctx context.Context, driverID string, loc models.Location) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(LocationEvent{DriverID: driverID, Location: loc})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(driverID), Value: b})
}

func (p *LocationProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
