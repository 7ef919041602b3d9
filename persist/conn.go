package persist

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/redis/go-redis/v9"
)

// ConnState is the connection state of a RedisStore.
type ConnState uint8

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
	StateClosed
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "reconnecting", "error", "closed"}

func (s ConnState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ReconnectStatus is a snapshot of the reconnect loop.
type ReconnectStatus struct {
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"maxAttempts"`
	Reconnecting bool      `json:"reconnecting"`
	State        ConnState `json:"state"`
}

// isConnError reports whether err means the network store is unreachable,
// as opposed to a command-level failure.
func isConnError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, redis.Nil),
		errors.Is(err, redis.TxFailedErr):
		return false
	case errors.Is(err, redis.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Status is a point-in-time view of a RedisStore for health endpoints.
type Status struct {
	State         ConnState       `json:"state"`
	UsingFallback bool            `json:"usingFallback"`
	LastError     string          `json:"lastError,omitempty"`
	Reconnect     ReconnectStatus `json:"reconnect"`
	// FallbackRecords and Pending describe the memory fallback: records
	// held and ids awaiting reconciliation.
	FallbackRecords int `json:"fallbackRecords"`
	Pending         int `json:"pending"`
}

// Status reports the connection state and fallback occupancy.
func (s *RedisStore) Status() Status {
	rs := s.ReconnectStatus()
	st := Status{
		State:           rs.State,
		UsingFallback:   s.IsUsingFallback(),
		Reconnect:       rs,
		FallbackRecords: s.fallback.Len(),
		Pending:         len(s.fallback.Dirty()),
	}
	if err := s.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}
