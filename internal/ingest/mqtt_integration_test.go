//go:build integration

//nolint:misspell // Mosquitto is the official Eclipse project name
package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/logger"
	"github.com/sensorwatch/envalert/internal/testutil/containers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMQTTSource_ConsumesFromBroker(t *testing.T) {
	broker, err := containers.NewMosquittoContainer(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Terminate(context.Background()) })

	proc := &fakeProcessor{}
	src, err := NewMQTTSource(conf.MQTTSettings{
		Broker:   broker.BrokerURL(),
		Topic:    "sensors/+/measurements",
		ClientID: "envalert-test",
		QoS:      1,
	}, proc, nil, logger.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	pub, err := broker.Publisher("envalert-test-publisher")
	require.NoError(t, err)
	defer pub.Disconnect(250)

	// The subscription is made from the connect handler; republish until seen.
	require.Eventually(t, func() bool {
		tok := pub.Publish("sensors/st-11/measurements", 1, false, `{"variable":"temperatura","value":37.5}`)
		tok.WaitTimeout(2 * time.Second)
		return proc.count() > 0
	}, 20*time.Second, 250*time.Millisecond)

	proc.mu.Lock()
	first := proc.batches[0][0]
	proc.mu.Unlock()
	assert.Equal(t, "st-11", first.SensorID)
	assert.InDelta(t, 37.5, first.Value, 0)

	cancel()
	require.NoError(t, <-done)
}
