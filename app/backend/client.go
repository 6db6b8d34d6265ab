package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrTimeout      = errors.New("timeout")
	ErrUnknown      = errors.New("unknown backend error")
)

// Error carries the failure kind (one of the Err* sentinels) plus request context.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (http %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	if msg != "" {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Filter matches rows whose column equals the given value.
type Filter map[string]string

type Order struct {
	Column     string
	Descending bool
}

type Row map[string]any

// Client is the contract of the hosted backend as seen by source adapters.
type Client interface {
	Query(ctx context.Context, collection string, filter Filter, order Order, limit int) ([]Row, error)
	Mutate(ctx context.Context, collection, id string, patch map[string]any) (Row, error)
	CallRemoteFunction(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Kind maps any error to one of the backend sentinels.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnauthorized):
		return ErrUnauthorized
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return ErrUnknown
	}
}

func IsTimeout(err error) bool {
	return Kind(err) == ErrTimeout
}
