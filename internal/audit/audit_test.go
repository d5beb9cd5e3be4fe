package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) write(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		out = append(out, e.Action)
	}
	return out
}

func TestAsyncDeliversInOrder(t *testing.T) {
	c := &collector{}
	a := NewAsync(8, c.write, zap.NewNop())
	a.Start(context.Background())

	a.Record(context.Background(), Event{Action: ActionTicketSold, EntityID: 1})
	a.Record(context.Background(), Event{Action: ActionLotteryEnded, EntityID: 1})
	a.Close()

	assert.Equal(t, []string{ActionTicketSold, ActionLotteryEnded}, c.actions())
}

func TestAsyncDropsWhenFull(t *testing.T) {
	c := &collector{}
	a := NewAsync(1, c.write, zap.NewNop())

	// no worker yet: the second event does not fit
	a.Record(context.Background(), Event{Action: "first"})
	a.Record(context.Background(), Event{Action: "second"})

	a.Start(context.Background())
	a.Close()
	assert.Equal(t, []string{"first"}, c.actions())
}

func TestAsyncSurvivesPanickingWriter(t *testing.T) {
	c := &collector{}
	a := NewAsync(4, func(e Event) {
		if e.Action == "boom" {
			panic("writer failure")
		}
		c.write(e)
	}, zap.NewNop())
	a.Start(context.Background())

	a.Record(context.Background(), Event{Action: "boom"})
	a.Record(context.Background(), Event{Action: "after"})
	a.Close()

	assert.Equal(t, []string{"after"}, c.actions())
}

func TestRecordAfterCloseDoesNotPanic(t *testing.T) {
	a := NewAsync(1, func(Event) {}, nil)
	a.Start(context.Background())
	a.Close()
	require.NotPanics(t, func() {
		a.Record(context.Background(), Event{Action: "late"})
	})
}
