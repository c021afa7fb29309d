package event_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codeduel/internal/event"
)

func TestDispatcher_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a single subscriber should receive correct event": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("e1"),
						eventWithName("e2"),
					},
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"e1"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, []event.Event{eventWithName("e1")}, out.received["s1"])
			},
		},

		"an event should be dispatched to all subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("e1"),
					},
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"e1"}},
						{name: "s2", subscribeTo: []string{"e1"}},
						{name: "s3", subscribeTo: []string{"e1"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, []event.Event{eventWithName("e1")}, out.received["s1"])
				assert.Equal(t, []event.Event{eventWithName("e1")}, out.received["s2"])
				assert.Equal(t, []event.Event{eventWithName("e1")}, out.received["s3"])
			},
		},

		"events should arrive in publish order": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("e1"),
						eventWithName("e2"),
						eventWithName("e1"),
						eventWithName("e3"),
					},
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"e1"}},
						{name: "s2", subscribeTo: []string{"e1", "e2"}},
						{name: "s3", subscribeTo: []string{"e3", "e2"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, []event.Event{eventWithName("e1"), eventWithName("e1")}, out.received["s1"])
				assert.Equal(t, []event.Event{eventWithName("e1"), eventWithName("e2"), eventWithName("e1")}, out.received["s2"])
				assert.Equal(t, []event.Event{eventWithName("e2"), eventWithName("e3")}, out.received["s3"])
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			out := outputs{received: make(map[string][]event.Event)}

			d := event.NewDispatcher()
			for _, s := range in.subscribers {
				for _, e := range s.subscribeTo {
					d.Subscribe(e, func(ctx context.Context, e event.Event) error {
						out.received[s.name] = append(out.received[s.name], e)
						return nil
					})
				}
			}

			for _, e := range in.published {
				d.Publish(context.Background(), e)
			}

			tt.assert(t, out)
		})
	}
}

func TestDispatcher_DeliversInSubscriptionOrder(t *testing.T) {
	d := event.NewDispatcher()

	var order []int
	for i := range 5 {
		d.Subscribe("e1", func(context.Context, event.Event) error {
			order = append(order, i)
			return nil
		})
	}

	d.Publish(context.Background(), eventWithName("e1"))

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDispatcher_FailingHandlerDoesNotStopDelivery(t *testing.T) {
	d := event.NewDispatcher()

	var got []string
	d.Subscribe("e1", func(context.Context, event.Event) error {
		got = append(got, "first")
		panic("boom")
	})
	d.Subscribe("e1", func(context.Context, event.Event) error {
		got = append(got, "second")
		return stderrors.New("handler failed")
	})
	d.Subscribe("e1", func(context.Context, event.Event) error {
		got = append(got, "third")
		return nil
	})

	require.NotPanics(t, func() {
		d.Publish(context.Background(), eventWithName("e1"))
	})
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestDispatcher_UnsubscribeIsIdempotent(t *testing.T) {
	d := event.NewDispatcher()

	var a, b int
	unsubA := d.Subscribe("e1", func(context.Context, event.Event) error { a++; return nil })
	d.Subscribe("e1", func(context.Context, event.Event) error { b++; return nil })

	unsubA()
	unsubA()

	d.Publish(context.Background(), eventWithName("e1"))

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 1, d.Len("e1"))
}

func TestDispatcher_UnsubscribeDuringPublishTakesEffectImmediately(t *testing.T) {
	d := event.NewDispatcher()

	var second int
	var unsubSecond func()
	d.Subscribe("e1", func(context.Context, event.Event) error {
		unsubSecond()
		return nil
	})
	unsubSecond = d.Subscribe("e1", func(context.Context, event.Event) error { second++; return nil })

	d.Publish(context.Background(), eventWithName("e1"))

	assert.Equal(t, 0, second)
}

func TestDispatcher_Close(t *testing.T) {
	d := event.NewDispatcher()

	var calls int
	unsub := d.Subscribe("e1", func(context.Context, event.Event) error { calls++; return nil })

	d.Close()
	d.Publish(context.Background(), eventWithName("e1"))

	late := d.Subscribe("e1", func(context.Context, event.Event) error { calls++; return nil })
	d.Publish(context.Background(), eventWithName("e1"))

	assert.Equal(t, 0, calls)
	assert.True(t, d.Closed())
	assert.Equal(t, 0, d.Len("e1"))
	assert.NotPanics(t, unsub)
	assert.NotPanics(t, late)
}

type eventWithName string

func (e eventWithName) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}
