package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Возвращает nil, nil при пустом списке брокеров.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// initOrderChangeConsumer подписывается на изменения заказов в ERP; неудачные
// сообщения после повторов уходят в DLQ через producer.
func initOrderChangeConsumer(cfg Config, producer *kafka.Producer, syncer kafka.OrderSyncer, logger *log.Entry) (*kafka.Consumer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}

	consumer, err := kafka.NewConsumerWithDLQ(
		cfg.KafkaBrokers,
		cfg.KafkaGroupID,
		[]string{kafka.TopicERPOrderChanges},
		kafka.NewOrderChangeHandler(syncer),
		producer,
		cfg.KafkaMaxRetries,
		kafka.WithConsumerLogger(logger.WithField("layer", "kafka-consumer")),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka consumer, server-side changes will not trigger sync")
		return nil, err
	}
	return consumer, nil
}

// closeKafka закрывает producer, если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
