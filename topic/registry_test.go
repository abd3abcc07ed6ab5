package topic

import (
	"errors"
	"testing"

	"flow.evalgo.org/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndDispatch(t *testing.T) {
	r := New()
	called := false
	require.NoError(t, r.Register("ship-order", func(ctx Context) error {
		called = true
		assert.Equal(t, "instance/1", ctx.InstanceURI)
		return nil
	}))

	require.NoError(t, r.Dispatch("ship-order", Context{InstanceURI: "instance/1"}))
	assert.True(t, called)
}

func TestRegisterTwiceFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("ship-order", func(Context) error { return nil }))
	err := r.Register("ship-order", func(Context) error { return nil })
	assert.Error(t, err)
}

func TestDispatchUnknownTopicFails(t *testing.T) {
	r := New()
	err := r.Dispatch("missing-topic", Context{})
	require.Error(t, err)

	var failErr *FailError
	require.ErrorAs(t, err, &failErr)
	assert.Equal(t, model.ErrUnknownTopic, failErr.Code)
}

func TestHandlerFailReturnsFailError(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("charge-card", func(Context) error {
		return Fail("E_CARD_DECLINED", "insufficient funds")
	}))

	err := r.Dispatch("charge-card", Context{})
	var failErr *FailError
	require.ErrorAs(t, err, &failErr)
	assert.Equal(t, "E_CARD_DECLINED", failErr.Code)
}

func TestUnregisterRemovesHandler(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("ship-order", func(Context) error { return nil }))
	r.Unregister("ship-order")
	assert.False(t, r.HasHandler("ship-order"))
}

func TestHandlerNonFailErrorPropagates(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("flaky", func(Context) error {
		return errors.New("transient network error")
	}))

	err := r.Dispatch("flaky", Context{})
	require.Error(t, err)
	var failErr *FailError
	assert.False(t, errors.As(err, &failErr))
}
