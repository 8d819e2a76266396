package entitlements

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/254CARBON/access-sub001/pkg/rules"
	"github.com/254CARBON/access-sub001/pkg/statebus"
)

type chanConsumer struct {
	msgs chan statebus.Message
}

func (c *chanConsumer) ReadMessage(ctx context.Context) (statebus.Message, error) {
	select {
	case <-ctx.Done():
		return statebus.Message{}, ctx.Err()
	case m := <-c.msgs:
		return m, nil
	}
}

func (c *chanConsumer) Close() error { return nil }

type memoryBus struct {
	mu   sync.Mutex
	msgs []statebus.Message
}

func (b *memoryBus) Publish(_ context.Context, msg statebus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *memoryBus) Close() error { return nil }

func TestBusPublisherEncodesEvents(t *testing.T) {
	bus := &memoryBus{}
	p := NewBusPublisher(bus)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(context.Background(), RuleChanged{Op: OpCreated, RuleID: "r1", Resource: "curve", Origin: "a", At: at}))

	require.Len(t, bus.msgs, 1)
	assert.Equal(t, []byte("r1"), bus.msgs[0].Key)
	var evt RuleChanged
	require.NoError(t, json.Unmarshal(bus.msgs[0].Value, &evt))
	assert.Equal(t, OpCreated, evt.Op)
	assert.Equal(t, at, evt.At)
}

func TestSubscribeAppliesPeerEvents(t *testing.T) {
	a := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, kv := newRedisKV(t)
	peer := NewService(rules.NewEngine(), a.store, NewDecisionCache(kv, DefaultTTLConfig()), WithOrigin("peer"))
	consumer := &chanConsumer{msgs: make(chan statebus.Message, 4)}
	done := make(chan struct{})
	go func() {
		peer.Subscribe(ctx, consumer)
		close(done)
	}()

	r, err := a.svc.Create(context.Background(), allowCurve("t1"))
	require.NoError(t, err)
	raw, err := json.Marshal(a.pub.snapshot()[0])
	require.NoError(t, err)

	consumer.msgs <- statebus.Message{Value: []byte("{not json")}
	consumer.msgs <- statebus.Message{Key: []byte(r.RuleID), Value: raw}

	require.Eventually(t, func() bool {
		_, err := peer.Get(r.RuleID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop on cancel")
	}
}

type erroringConsumer struct {
	calls int
	mu    sync.Mutex
}

func (c *erroringConsumer) ReadMessage(ctx context.Context) (statebus.Message, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return statebus.Message{}, errors.New("broker unavailable")
}

func (c *erroringConsumer) Close() error { return nil }

func TestSubscribeBacksOffOnReadErrors(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c := &erroringConsumer{}
	f.svc.Subscribe(ctx, c)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 1, c.calls)
}
