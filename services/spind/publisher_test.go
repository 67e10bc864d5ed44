package spind

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spinwin/core/types"
	"spinwin/native/spinwin"
)

type stubEvent struct{ evt *types.Event }

func (s stubEvent) EventType() string   { return s.evt.Type }
func (s stubEvent) Event() *types.Event { return s.evt }

type recordingProducer struct {
	mu       sync.Mutex
	topics   []string
	keys     []string
	payloads [][]byte
	fail     error
	closed   bool
}

func (p *recordingProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, string(key))
	p.payloads = append(p.payloads, payload)
	return p.fail
}

func (p *recordingProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestNewProducerDrivers(t *testing.T) {
	producer, err := NewProducer(ProducerConfig{Driver: DriverNone})
	require.NoError(t, err)
	require.Nil(t, producer)

	producer, err = NewProducer(ProducerConfig{})
	require.NoError(t, err)
	require.Nil(t, producer)

	_, err = NewProducer(ProducerConfig{Driver: DriverKafka})
	require.Error(t, err)

	producer, err = NewProducer(ProducerConfig{Driver: DriverKafka, Brokers: []string{" ", "localhost:9092"}})
	require.NoError(t, err)
	require.NoError(t, producer.Close())

	_, err = NewProducer(ProducerConfig{Driver: "nats"})
	require.Error(t, err)
}

func TestPublisherDeliversEnvelopes(t *testing.T) {
	producer := &recordingProducer{}
	publisher := NewPublisher(producer, "spinwin.events", discardLogger())

	publisher.Emit(stubEvent{evt: &types.Event{Type: spinwin.EventTypeSpun, Attributes: map[string]string{"round": "1"}}})
	publisher.Emit(stubEvent{evt: &types.Event{Type: spinwin.EventTypeSettled, Attributes: map[string]string{"round": "1"}}})
	publisher.Emit(nil)
	require.NoError(t, publisher.Close())
	require.NoError(t, publisher.Close())
	publisher.Emit(stubEvent{evt: &types.Event{Type: spinwin.EventTypeSpun}})

	producer.mu.Lock()
	defer producer.mu.Unlock()
	require.True(t, producer.closed)
	require.Equal(t, []string{"spinwin.events", "spinwin.events"}, producer.topics)
	require.Equal(t, []string{spinwin.EventTypeSpun, spinwin.EventTypeSettled}, producer.keys)

	var env envelope
	require.NoError(t, json.Unmarshal(producer.payloads[1], &env))
	require.Equal(t, spinwin.EventTypeSettled, env.Type)
	require.Equal(t, "1", env.Attributes["round"])
	require.WithinDuration(t, time.Now(), env.EmittedAt, time.Minute)
}

func TestPublisherSurvivesProducerErrors(t *testing.T) {
	producer := &recordingProducer{fail: errors.New("broker down")}
	publisher := NewPublisher(producer, "spinwin.events", discardLogger())
	for i := 0; i < 3; i++ {
		publisher.Emit(stubEvent{evt: &types.Event{Type: spinwin.EventTypeSpun}})
	}
	require.NoError(t, publisher.Close())
	producer.mu.Lock()
	defer producer.mu.Unlock()
	require.Len(t, producer.payloads, 3)
}

func TestPublisherCopiesEvents(t *testing.T) {
	producer := &recordingProducer{}
	publisher := NewPublisher(producer, "spinwin.events", discardLogger())
	evt := &types.Event{Type: spinwin.EventTypeSpun, Attributes: map[string]string{"index": "0"}}
	publisher.Emit(stubEvent{evt: evt})
	evt.Attributes["index"] = "9"
	require.NoError(t, publisher.Close())

	var env envelope
	require.NoError(t, json.Unmarshal(producer.payloads[0], &env))
	require.Equal(t, "0", env.Attributes["index"])
}

func TestEngineEventsReachStdioPublisher(t *testing.T) {
	h := newHarness(t, testEngineConfig(t, "recorded", 0), RateLimit{})
	token := operatorToken(t, ScopeCatalogueWrite, time.Now().Add(time.Hour))
	addGold(t, h, token, 100, 40)
	h.svc.Engine().SetEntropy(spinwin.FixedEntropy(3))
	_, err := h.svc.Spin("alice", handle(t, winnerHex))
	require.NoError(t, err)
	_, err = h.svc.Settle(nil)
	require.NoError(t, err)
	require.NoError(t, h.publisher.Close())

	var seen []string
	scanner := bufio.NewScanner(bytes.NewReader(h.published.Bytes()))
	for scanner.Scan() {
		var env envelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
		seen = append(seen, env.Type)
	}
	require.Equal(t, []string{spinwin.EventTypeEntryAdded, spinwin.EventTypeSpun, spinwin.EventTypeSettled}, seen)
}
