package rabbit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		category ErrorCategory
	}{
		{"access refused", &amqp.Error{Code: amqp.AccessRefused}, ErrAccessDenied, CategoryPermission},
		{"not found", &amqp.Error{Code: amqp.NotFound}, ErrNotFound, CategoryResource},
		{"precondition", &amqp.Error{Code: amqp.PreconditionFailed}, ErrPreconditionFailed, CategoryConfiguration},
		{"resource locked", &amqp.Error{Code: amqp.ResourceLocked}, ErrResourceLocked, CategoryResource},
		{"frame error", &amqp.Error{Code: amqp.FrameError}, ErrProtocolError, CategoryProtocol},
		{"internal", &amqp.Error{Code: amqp.InternalError}, ErrInternalError, CategoryServer},
		{"forced close", &amqp.Error{Code: amqp.ConnectionForced}, ErrConnectionClosed, CategoryConnection},
		{"closed", amqp.ErrClosed, ErrChannelClosed, CategoryConnection},
		{"refused", syscall.ECONNREFUSED, ErrConnectionFailed, CategoryConnection},
		{"reset", syscall.ECONNRESET, ErrConnectionFailed, CategoryConnection},
		{"broken pipe", syscall.EPIPE, ErrConnectionFailed, CategoryConnection},
		{"errno timeout", syscall.ETIMEDOUT, ErrTimeout, CategoryNetwork},
		{"unreachable", syscall.ENETUNREACH, ErrNetworkError, CategoryNetwork},
		{"dial refused", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, ErrConnectionFailed, CategoryConnection},
		{"deadline", context.DeadlineExceeded, ErrTimeout, CategoryNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TranslateError(fmt.Errorf("wrapped: %w", tt.err))
			assert.ErrorIs(t, got, tt.sentinel)
			assert.ErrorIs(t, got, tt.err, "original error stays in the chain")
			assert.Equal(t, tt.category, GetErrorCategory(got))
		})
	}
}

func TestTranslateErrorPassesThrough(t *testing.T) {
	assert.NoError(t, TranslateError(nil))

	plain := errors.New("something else")
	assert.Same(t, plain, TranslateError(plain))

	already := fmt.Errorf("%w: x", ErrNotFound)
	assert.Same(t, already, TranslateError(already))
}

func TestRetryableAndPermanentAreDisjoint(t *testing.T) {
	sentinels := []error{
		ErrInvalidTopology, ErrDuplicateTopology, ErrConnectionFailed, ErrConnectionClosed,
		ErrChannelClosed, ErrAccessDenied, ErrVirtualHostNotFound, ErrNotFound,
		ErrPreconditionFailed, ErrResourceLocked, ErrResourceError, ErrNotAllowed,
		ErrProtocolError, ErrInternalError, ErrMessageTooLarge, ErrUnroutable,
		ErrMessageNacked, ErrDecode, ErrTimeout, ErrNetworkError, ErrShutdown,
	}
	for _, s := range sentinels {
		assert.False(t, IsRetryableError(s) && IsPermanentError(s), s.Error())
	}
	assert.True(t, IsRetryableError(ErrConnectionFailed))
	assert.True(t, IsPermanentError(ErrAccessDenied))
	assert.False(t, IsRetryableError(ErrUnroutable))
	assert.False(t, IsPermanentError(ErrUnroutable))
}

func TestTypedErrorsUnwrap(t *testing.T) {
	connErr := &ConnectionError{Op: "dial", Err: fmt.Errorf("%w: refused", ErrConnectionFailed)}
	assert.ErrorIs(t, connErr, ErrConnectionFailed)
	assert.Contains(t, connErr.Error(), "dial")

	topoErr := &TopologyError{Op: "declare_queue", Resource: "q", Err: ErrPreconditionFailed}
	assert.ErrorIs(t, topoErr, ErrPreconditionFailed)
	assert.Contains(t, topoErr.Error(), "q")

	pubErr := &PublishError{Exchange: "ex", RoutingKey: "k", MessageID: "m", Err: ErrUnroutable}
	assert.ErrorIs(t, pubErr, ErrUnroutable)
	assert.Equal(t, "message", GetErrorCategory(pubErr).String())
}
