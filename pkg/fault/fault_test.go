package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := Newf(KindTimeout, "run-task", "no reply for %s after %dms", "abc", 1000)

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrNotFound))

	wrapped := fmt.Errorf("gather: %w", err)
	assert.True(t, errors.Is(wrapped, ErrTimeout))
	assert.Equal(t, KindTimeout, KindOf(wrapped))
}

func TestErrorString(t *testing.T) {
	err := New(KindNotFound, "run-task", "job j does not exist")
	assert.Equal(t, "run-task: not_found: job j does not exist", err.Error())

	bare := &Error{Kind: KindClosed}
	assert.Equal(t, "closed: closed", bare.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("broken pipe")
	err := Wrap(KindTransport, "send", cause)

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Wrap(KindTransport, "send", nil))
}

func TestDetailRoundTrip(t *testing.T) {
	assert.Nil(t, ToDetail(nil))
	assert.Nil(t, FromDetail("op", nil))

	d := ToDetail(New(KindNotFound, "lookup", "missing"))
	require.NotNil(t, d)
	assert.Equal(t, KindNotFound, d.Kind)
	assert.Equal(t, "missing", d.Message)

	plain := ToDetail(errors.New("boom"))
	assert.Equal(t, KindRemote, plain.Kind)
	assert.Equal(t, "boom", plain.Message)

	back := FromDetail("return-task", d)
	assert.True(t, errors.Is(back, ErrNotFound))
}
