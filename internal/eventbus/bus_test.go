package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeJobStatus, Data: JobEvent{Job: "j1", To: "RUNNING"}})
	b.Publish(Event{Type: TypeJobStatus, Data: JobEvent{Job: "j1", To: "SUCCESSFUL"}})

	got := <-a
	require.Equal(t, TypeJobStatus, got.Type)
	assert.False(t, got.Time.IsZero())
	assert.Equal(t, "RUNNING", got.Data.(JobEvent).To)
	assert.Len(t, c, 2)
	assert.EqualValues(t, 1, b.Dropped())

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
	b.Publish(Event{Type: TypeTriggerFired})
	assert.Len(t, c, 3)
}
