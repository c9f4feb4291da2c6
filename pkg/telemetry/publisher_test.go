package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/rcexp/pkg/config"
	"github.com/itohio/rcexp/pkg/experiment"
	"github.com/itohio/rcexp/pkg/fit"
	"github.com/itohio/rcexp/pkg/sample"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

var _ mqtt.Token = doneToken{}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func (c *fakeClient) published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func TestFormatTopic(t *testing.T) {
	id := uuid.MustParse("6f1c2d3e-0000-4000-8000-000000000001")
	ev := experiment.Event{RunID: id, Type: experiment.Progress}

	assert.Equal(t, "rcexp/6f1c2d3e-0000-4000-8000-000000000001/progress", FormatTopic("rcexp/{run_id}/{event}", ev))
	assert.Equal(t, "bench/events", FormatTopic("bench/events", ev))
}

func TestPublisher_Start(t *testing.T) {
	client := &fakeClient{}
	cfg := config.Default().Telemetry
	cfg.QoS = 1
	p := NewPublisher(client, cfg, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	id := uuid.New()
	smp := sample.Sample{Time: 0.25, Voltage: 2.5}
	p.Observe(experiment.Event{RunID: id, Kind: experiment.ChargeCapture, Type: experiment.Progress, Percent: 10, Sample: &smp})
	p.Observe(experiment.Event{
		RunID: id,
		Kind:  experiment.ChargeCapture,
		Type:  experiment.Done,
		Result: &experiment.Result{
			Samples: []sample.Sample{smp, smp},
			Fit:     &fit.Result{TimeConstant: 0.5, SupplyVoltage: 5},
		},
	})

	require.Eventually(t, func() bool { return len(client.published()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}

	msgs := client.published()
	assert.Equal(t, "rcexp/"+id.String()+"/progress", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.Equal(t, "rcexp/"+id.String()+"/done", msgs[1].topic)

	var progress map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &progress))
	assert.Equal(t, "progress", progress["type"])
	assert.Equal(t, "charge", progress["kind"])
	assert.Equal(t, 10.0, progress["percent"])
	assert.Equal(t, map[string]any{"t": 0.25, "v": 2.5}, progress["sample"])

	var final Message
	require.NoError(t, json.Unmarshal(msgs[1].payload, &final))
	assert.Equal(t, 2, final.Samples)
	require.NotNil(t, final.Fit)
	assert.Equal(t, 0.5, final.Fit.TimeConstant)
}

func TestPublisher_ObserveDoesNotBlock(t *testing.T) {
	p := NewPublisher(&fakeClient{}, config.Default().Telemetry, 2)

	done := make(chan struct{})
	go func() {
		for range 10 {
			p.Observe(experiment.Event{Type: experiment.Progress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Observe blocked on a full queue")
	}
	assert.Len(t, p.events, 2)
}

func TestPublisher_PublishError(t *testing.T) {
	client := &fakeClient{err: errors.New("broker gone")}
	p := NewPublisher(client, config.Default().Telemetry, 1)

	err := p.publish(experiment.Event{Type: experiment.StateChanged})
	assert.ErrorContains(t, err, "broker gone")
}
