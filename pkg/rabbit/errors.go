package rabbit

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Common rabbit error types that can be used by consumers of this package.
// These provide a standardized set of errors that abstract away the
// underlying AMQP implementation details.
var (
	// ErrInvalidTopology is returned when a topology definition is inconsistent.
	ErrInvalidTopology = errors.New("invalid topology")

	// ErrDuplicateTopology is returned when two descriptors share a unique id.
	ErrDuplicateTopology = errors.New("duplicate topology")

	// ErrConnectionFailed is returned when the connection cannot be established.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionClosed is returned when the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrChannelClosed is returned when the channel was closed.
	ErrChannelClosed = errors.New("channel closed")

	// ErrAccessDenied is returned when the broker refuses access.
	ErrAccessDenied = errors.New("access denied")

	// ErrVirtualHostNotFound is returned when the vhost does not exist.
	ErrVirtualHostNotFound = errors.New("virtual host not found")

	// ErrNotFound is returned when an exchange or queue does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrPreconditionFailed is returned when a declare disagrees with the
	// existing broker object (e.g. different durability or arguments).
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrResourceLocked is returned when an exclusive queue is used elsewhere.
	ErrResourceLocked = errors.New("resource locked")

	// ErrResourceError is returned when the broker runs out of a resource.
	ErrResourceError = errors.New("resource error")

	// ErrNotAllowed is returned for operations the broker forbids.
	ErrNotAllowed = errors.New("not allowed")

	// ErrProtocolError is returned for frame or syntax level failures.
	ErrProtocolError = errors.New("protocol error")

	// ErrInternalError is returned when the broker reports an internal error.
	ErrInternalError = errors.New("internal error")

	// ErrMessageTooLarge is returned when a message exceeds the broker limit.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrUnroutable is returned when a mandatory publish matched no queue.
	ErrUnroutable = errors.New("message unroutable")

	// ErrMessageNacked is returned when the broker negatively confirmed a publish.
	ErrMessageNacked = errors.New("message nacked")

	// ErrDecode is returned when a delivery body cannot be decoded.
	ErrDecode = errors.New("decode failed")

	// ErrHandlerPanic is returned when a handler panicked.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrTimeout is returned for network timeouts.
	ErrTimeout = errors.New("timeout")

	// ErrNetworkError is returned for other network failures.
	ErrNetworkError = errors.New("network error")

	// ErrShutdown is returned when the manager has been closed.
	ErrShutdown = errors.New("shutdown")
)

// ConnectionError describes a failure to establish or use the connection.
type ConnectionError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbit connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TopologyError describes a failed declare or bind.
type TopologyError struct {
	Op       string
	Resource string
	Err      error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbit %s %q: %v", e.Op, e.Resource, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// PublishError describes a failed publish.
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbit publish to %q with key %q (message %s): %v", e.Exchange, e.RoutingKey, e.MessageID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// TranslateError maps AMQP, network and syscall errors onto the sentinel
// errors above. The original error stays in the chain, so both
// errors.Is(err, ErrNotFound) and errors.As(err, &amqpErr) keep working.
// Errors that match nothing are returned unchanged.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	if sentinel := classify(err); sentinel != nil && !errors.Is(err, sentinel) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

func classify(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return translateAMQPError(amqpErr)
	}

	// syscall.Errno satisfies net.Error, so it is checked first
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE:
			return ErrConnectionFailed
		case syscall.ETIMEDOUT:
			return ErrTimeout
		}
		return ErrNetworkError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}
		return ErrNetworkError
	}

	return nil
}

// translateAMQPError maps AMQP reply codes to sentinel errors.
func translateAMQPError(amqpErr *amqp.Error) error {
	switch amqpErr.Code {
	// Connection-level errors
	case amqp.ConnectionForced:
		return ErrConnectionClosed
	case amqp.InvalidPath:
		return ErrVirtualHostNotFound
	case amqp.AccessRefused:
		return ErrAccessDenied
	case amqp.NotFound:
		if strings.Contains(strings.ToLower(amqpErr.Reason), "vhost") {
			return ErrVirtualHostNotFound
		}
		return ErrNotFound
	case amqp.ResourceLocked:
		return ErrResourceLocked
	case amqp.PreconditionFailed:
		return ErrPreconditionFailed

	// Channel-level errors
	case amqp.ContentTooLarge:
		return ErrMessageTooLarge
	case amqp.NoRoute, amqp.NoConsumers:
		return ErrUnroutable
	case amqp.ChannelError:
		return ErrChannelClosed
	case amqp.ResourceError:
		return ErrResourceError
	case amqp.NotAllowed, amqp.NotImplemented:
		return ErrNotAllowed
	case amqp.InternalError:
		return ErrInternalError

	// Frame-level errors
	case amqp.SyntaxError, amqp.CommandInvalid, amqp.FrameError, amqp.UnexpectedFrame:
		return ErrProtocolError
	}
	return nil
}

// ErrorCategory groups errors by what the caller can do about them.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryConfiguration
	CategoryConnection
	CategoryPermission
	CategoryResource
	CategoryMessage
	CategoryProtocol
	CategoryNetwork
	CategoryServer
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryConfiguration:
		return "configuration"
	case CategoryConnection:
		return "connection"
	case CategoryPermission:
		return "permission"
	case CategoryResource:
		return "resource"
	case CategoryMessage:
		return "message"
	case CategoryProtocol:
		return "protocol"
	case CategoryNetwork:
		return "network"
	case CategoryServer:
		return "server"
	default:
		return "unknown"
	}
}

// GetErrorCategory returns the category of err.
func GetErrorCategory(err error) ErrorCategory {
	switch {
	case errors.Is(err, ErrInvalidTopology), errors.Is(err, ErrDuplicateTopology),
		errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrVirtualHostNotFound):
		return CategoryConfiguration
	case errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrChannelClosed):
		return CategoryConnection
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrNotAllowed):
		return CategoryPermission
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrResourceLocked), errors.Is(err, ErrResourceError):
		return CategoryResource
	case errors.Is(err, ErrUnroutable), errors.Is(err, ErrMessageNacked),
		errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrDecode):
		return CategoryMessage
	case errors.Is(err, ErrProtocolError):
		return CategoryProtocol
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrNetworkError):
		return CategoryNetwork
	case errors.Is(err, ErrInternalError):
		return CategoryServer
	default:
		return CategoryUnknown
	}
}

// IsRetryableError reports whether err is worth retrying later.
func IsRetryableError(err error) bool {
	switch {
	case errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNetworkError),
		errors.Is(err, ErrInternalError),
		errors.Is(err, ErrResourceError),
		errors.Is(err, ErrResourceLocked),
		errors.Is(err, ErrMessageNacked):
		return true
	default:
		return false
	}
}

// IsPermanentError reports whether err will fail again on retry.
func IsPermanentError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidTopology),
		errors.Is(err, ErrDuplicateTopology),
		errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrVirtualHostNotFound),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPreconditionFailed),
		errors.Is(err, ErrNotAllowed),
		errors.Is(err, ErrProtocolError),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrDecode),
		errors.Is(err, ErrShutdown):
		return true
	default:
		return false
	}
}
