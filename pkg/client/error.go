package client

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/diskpager/pkg/wire"
)

// Common error types
var (
	ErrNoServer = errors.New("no server connection")
	ErrTimeout  = errors.New("operation timed out")
)

// AdminError represents an error in an admin operation
type AdminError struct {
	// Operation that failed
	Op string

	// gRPC status code
	Code codes.Code

	// Underlying error
	Err error
}

// Error implements the error interface
func (e *AdminError) Error() string {
	return fmt.Sprintf("%s failed: %s - %v", e.Op, e.Code, e.Err)
}

// Unwrap returns the underlying error
func (e *AdminError) Unwrap() error {
	return e.Err
}

// StatusToError converts an RPC error into an AdminError whose chain holds
// the filesystem sentinel the server reported, when there is one.
func StatusToError(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	code := st.Code()

	cause := wire.StatusToError(err)
	switch code {
	case codes.Unavailable:
		cause = errors.Join(ErrNoServer, err)
	case codes.DeadlineExceeded:
		cause = errors.Join(ErrTimeout, err)
	}
	return &AdminError{Op: op, Code: code, Err: cause}
}
