package storage

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/Shopify/sarama"

	"github.com/janelia-flyem/blockflow/blockflow"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * blockflow.Kilo

// KafkaConfig describes kafka servers used for relaying per-run activity.
type KafkaConfig struct {
	Servers []string
	Topic   string
}

// ActivityRelay asynchronously publishes per-run activity summaries to a
// kafka topic.  A nil relay is valid and drops everything, so callers
// never need to guard their logging.
type ActivityRelay struct {
	producer sarama.AsyncProducer
	topic    string
}

// NewActivityRelay connects to the configured kafka cluster.  Returns nil
// (no relay) when no servers are configured.
func NewActivityRelay(kc KafkaConfig) (*ActivityRelay, error) {
	if len(kc.Servers) == 0 {
		blockflow.Infof("No Kafka server specified.\n")
		return nil, nil
	}
	topic := kc.Topic
	if topic == "" {
		topic = "blockflow-activity"
	}
	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	producer, err := sarama.NewAsyncProducer(kc.Servers, config)
	if err != nil {
		return nil, err
	}
	r := &ActivityRelay{producer: producer, topic: topic}
	go func() {
		for err := range producer.Errors() {
			blockflow.Errorf("error on kafka send: %v\n", err)
		}
	}()
	blockflow.Infof("Kafka topic for blockflow activity: %s\n", topic)
	return r, nil
}

// LogActivity publishes an activity map as JSON.  Errors are logged, not
// returned; activity relaying must never fail a run.
func (r *ActivityRelay) LogActivity(activity map[string]interface{}) {
	if r == nil {
		return
	}
	jsonmsg, err := json.Marshal(activity)
	if err != nil {
		blockflow.Errorf("unable to marshal activity for kafka relay: %v\n", err)
		return
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10))
	r.producer.Input() <- &sarama.ProducerMessage{
		Topic: r.topic,
		Value: sarama.ByteEncoder(jsonmsg),
		Key:   timeKey,
	}
}

// Shutdown makes sure the kafka queue is flushed before stopping.
func (r *ActivityRelay) Shutdown() {
	if r == nil {
		return
	}
	if err := r.producer.Close(); err != nil {
		blockflow.Errorf("Kafka producer had error on close: %v\n", err)
	} else {
		blockflow.Infof("Successfully shut down kafka producer.\n")
	}
}
