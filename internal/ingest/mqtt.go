package ingest

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

const (
	mqttConnectTimeout = 30 * time.Second
	mqttDisconnectMS   = 250
	mqttProcessTimeout = 30 * time.Second
)

// MQTTSource subscribes to a measurement topic and processes each message.
type MQTTSource struct {
	settings conf.MQTTSettings
	proc     Processor
	metrics  *Metrics
	log      logger.Logger
}

// NewMQTTSource validates settings and returns an unconnected source.
func NewMQTTSource(s conf.MQTTSettings, proc Processor, metrics *Metrics, log logger.Logger) (*MQTTSource, error) {
	if s.Broker == "" {
		return nil, errors.Newf("mqtt broker is required").
			Component("ingest.mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if s.Topic == "" {
		s.Topic = "sensors/+/measurements"
	}
	if s.QoS > 2 {
		return nil, errors.Newf("invalid mqtt qos %d", s.QoS).
			Component("ingest.mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if log == nil {
		log = logger.Global()
	}
	return &MQTTSource{
		settings: s,
		proc:     proc,
		metrics:  metrics,
		log:      log.Module("mqtt"),
	}, nil
}

// Run connects, subscribes and blocks until ctx is cancelled. The
// subscription is renewed on every reconnect.
func (s *MQTTSource) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.settings.Broker).
		SetClientID(s.settings.ClientID).
		SetUsername(s.settings.Username).
		SetPassword(s.settings.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(mqttConnectTimeout)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(s.settings.Topic, s.settings.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			s.handle(ctx, msg.Topic(), msg.Payload())
		})
		if token.WaitTimeout(mqttConnectTimeout) && token.Error() == nil {
			s.log.Info("subscribed to measurement topic",
				logger.String("topic", s.settings.Topic),
				logger.Int("qos", int(s.settings.QoS)))
			return
		}
		s.log.Error("failed to subscribe to measurement topic",
			logger.String("topic", s.settings.Topic),
			logger.Error(token.Error()))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("mqtt connection lost, reconnecting", logger.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errors.New(fmt.Errorf("failed to connect to %s: %w", s.settings.Broker, err)).
				Component("ingest.mqtt").
				Category(errors.CategoryNetwork).
				Build()
		}
	case <-ctx.Done():
		client.Disconnect(mqttDisconnectMS)
		return nil
	}

	<-ctx.Done()
	client.Disconnect(mqttDisconnectMS)
	s.log.Info("mqtt ingestion stopped")
	return nil
}

// handle decodes and processes one message. Failures are logged; MQTT has no
// negative acknowledgement to send back.
func (s *MQTTSource) handle(ctx context.Context, topic string, payload []byte) {
	ms, err := Decode(payload, SensorFromTopic(topic))
	if err != nil {
		s.metrics.message("mqtt", resultRejected)
		s.log.Warn("discarding undecodable measurement message",
			logger.String("topic", topic),
			logger.Error(err))
		return
	}

	pctx, cancel := context.WithTimeout(ctx, mqttProcessTimeout)
	defer cancel()
	if _, err := s.proc.ProcessBatch(pctx, ms); err != nil {
		s.metrics.message("mqtt", resultRejected)
		s.log.Warn("measurement message rejected",
			logger.String("topic", topic),
			logger.Error(err))
		return
	}
	s.metrics.message("mqtt", resultProcessed)
}
