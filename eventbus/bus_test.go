package eventbus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversGlobalBeforeTypeSpecific(t *testing.T) {
	b := New()
	var order []string

	b.SubscribeAll(func(Event) error {
		order = append(order, "global")
		return nil
	})
	b.Subscribe(TokenMovedEvent{}, func(Event) error {
		order = append(order, "specific")
		return nil
	})

	require.NoError(t, b.Publish(TokenMovedEvent{TokenURI: "token/1"}))
	assert.Equal(t, []string{"global", "specific"}, order)
}

func TestSubscribeSuppressesDuplicateHandler(t *testing.T) {
	b := New()
	calls := 0
	handler := func(Event) error {
		calls++
		return nil
	}

	b.Subscribe(TokenMovedEvent{}, handler)
	b.Subscribe(TokenMovedEvent{}, handler)

	require.NoError(t, b.Publish(TokenMovedEvent{}))
	assert.Equal(t, 1, calls)
}

func TestPublishAbortsOnHandlerError(t *testing.T) {
	b := New()
	secondCalled := false

	b.Subscribe(TokenMovedEvent{}, func(Event) error {
		return errors.New("boom")
	})
	b.Subscribe(TokenMovedEvent{}, func(Event) error {
		secondCalled = true
		return nil
	})

	err := b.Publish(TokenMovedEvent{})
	assert.Error(t, err)
	assert.False(t, secondCalled)
}

func TestPublishIsTypeScoped(t *testing.T) {
	b := New()
	var seen []string

	b.Subscribe(TokenMovedEvent{}, func(e Event) error {
		seen = append(seen, "moved")
		return nil
	})
	b.Subscribe(TokenConsumedEvent{}, func(e Event) error {
		seen = append(seen, "consumed")
		return nil
	})

	require.NoError(t, b.Publish(TokenMovedEvent{}))
	assert.Equal(t, []string{"moved"}, seen)
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	b := New()
	calls := 0
	handler := func(Event) error {
		calls++
		return nil
	}

	b.Subscribe(TokenMovedEvent{}, handler)
	assert.True(t, b.Unsubscribe(TokenMovedEvent{}, handler))

	require.NoError(t, b.Publish(TokenMovedEvent{}))
	assert.Equal(t, 0, calls)
}

func TestReentrantPublishCompletesBeforeOuterReturns(t *testing.T) {
	b := New()
	var order []string

	b.Subscribe(TokenCreatedEvent{}, func(e Event) error {
		order = append(order, "created")
		return nil
	})
	b.Subscribe(TokenMovedEvent{}, func(e Event) error {
		order = append(order, "moved-start")
		require.NoError(t, b.Publish(TokenCreatedEvent{}))
		order = append(order, "moved-end")
		return nil
	})

	require.NoError(t, b.Publish(TokenMovedEvent{}))
	assert.Equal(t, []string{"moved-start", "created", "moved-end"}, order)
}
