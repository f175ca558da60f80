package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const topicPrefix = "skillbridge."

const maxDialRetries = 5

// Kafka publishes events to one topic per aggregate, keyed by aggregate id
// so that the events of one payment stay ordered.
type Kafka struct {
	producer sarama.SyncProducer
}

func NewKafka(brokers []string) (*Kafka, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	var (
		producer sarama.SyncProducer
		err      error
	)
	for i := 1; i <= maxDialRetries; i++ {
		producer, err = sarama.NewSyncProducer(brokers, config)
		if err == nil {
			return NewKafkaWithProducer(producer), nil
		}

		log.WithFields(log.Fields{
			"attempt": i,
			"brokers": brokers,
			"error":   err,
		}).Warn("waiting for kafka")
		time.Sleep(2 * time.Second)
	}

	return nil, errors.Wrap(err, "failed to start kafka producer")
}

func NewKafkaWithProducer(producer sarama.SyncProducer) *Kafka {
	return &Kafka{producer: producer}
}

func Topic(aggregate string) string {
	return topicPrefix + aggregate + "s"
}

func (k *Kafka) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal event %s", event.Type)
	}

	msg := &sarama.ProducerMessage{
		Topic: Topic(event.Aggregate),
		Key:   sarama.StringEncoder(event.AggregateID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(event.Type)},
		},
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return errors.Wrapf(err, "failed to send %s", event.Type)
	}

	log.WithFields(log.Fields{
		"event":     event.Type,
		"topic":     msg.Topic,
		"partition": partition,
		"offset":    offset,
	}).Debug("published event")
	return nil
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}
