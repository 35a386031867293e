package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
	}{
		{"relay unreachable", ErrRelayUnreachable, ErrorTransient},
		{"connection timeout", ErrConnectionTimeout, ErrorTransient},
		{"nobody accepted publish", ErrNoRelayAccepted, ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"cancelled context", context.Canceled, ErrorTransient},
		{"timeout wording", fmt.Errorf("dial tcp: i/o timeout"), ErrorTransient},
		{"bad filter", ErrInvalidFilter, ErrorInvalid},
		{"bad arguments behind a wrap", fmt.Errorf("trigger: %w", ErrInvalidArguments), ErrorInvalid},
		{"malformed result", ErrMalformedResponse, ErrorInvalid},
		{"config missing", ErrMissingConfig, ErrorFatal},
		{"config invalid", ErrInvalidConfig, ErrorFatal},
		{"explicit class beats wording", WrapInvalid(errors.New("timeout"), "Engine", "Args", "parse"), ErrorInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, Classify(tt.err))
			assert.Equal(t, tt.class == ErrorTransient, IsTransient(tt.err))
			assert.Equal(t, tt.class == ErrorInvalid, IsInvalid(tt.err))
			assert.Equal(t, tt.class == ErrorFatal, IsFatal(tt.err))
		})
	}
}

func TestNilIsUnclassified(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsFatal(nil))
	assert.Equal(t, ErrorTransient, Classify(nil))
}

func TestClassify_UnknownIsRetryable(t *testing.T) {
	err := errors.New("something odd")
	assert.False(t, IsTransient(err))
	assert.Equal(t, ErrorTransient, Classify(err))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Pool", "Publish", "send"))
	assert.Nil(t, WrapTransient(nil, "Pool", "Publish", "send"))

	err := Wrap(ErrEventRejected, "Pool", "Publish", "send event")
	assert.Equal(t, "Pool.Publish: send event failed: event rejected by relay", err.Error())
	assert.ErrorIs(t, err, ErrEventRejected)
}

func TestWrapAs(t *testing.T) {
	cause := errors.New("bad json")
	err := WrapInvalid(cause, "Engine", "Args", "parse payload")

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Engine", ce.Component)
	assert.Equal(t, "Args", ce.Operation)
	assert.ErrorIs(t, err, cause)

	published := WrapTransient(ErrNoRelayAccepted, "Pool", "Publish", "publish")
	assert.True(t, IsTransient(published))
	assert.ErrorIs(t, published, ErrNoRelayAccepted)

	assert.True(t, IsFatal(WrapFatal(errors.New("boom"), "Config", "Load", "read file")))
}
