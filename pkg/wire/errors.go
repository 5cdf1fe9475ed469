// Package wire converts between the admin service's protobuf messages and
// the pager's Go types, and between Go errors and gRPC status codes.
package wire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/diskpager/pkg/fs"
)

// ErrorDomain is the ErrorInfo domain attached to admin service errors.
const ErrorDomain = "diskpager"

type errorReason struct {
	err    error
	reason string
	code   codes.Code
}

// reasons pairs each sentinel with its ErrorInfo reason and status code.
// ErrRange and ErrLastBlock wrap ErrIO and must match first.
var reasons = []errorReason{
	{fs.ErrRange, "RANGE", codes.OutOfRange},
	{fs.ErrLastBlock, "LAST_BLOCK", codes.FailedPrecondition},
	{fs.ErrNotExist, "NOT_EXIST", codes.NotFound},
	{fs.ErrExist, "EXIST", codes.AlreadyExists},
	{fs.ErrPermission, "PERMISSION", codes.PermissionDenied},
	{fs.ErrInvalidHandle, "BAD_HANDLE", codes.InvalidArgument},
	{fs.ErrForeignNode, "FOREIGN_NODE", codes.InvalidArgument},
	{fs.ErrInvalid, "INVALID", codes.InvalidArgument},
	{fs.ErrStale, "STALE", codes.NotFound},
	{fs.ErrNoSpace, "NO_SPACE", codes.ResourceExhausted},
	{fs.ErrNoMemory, "NO_MEMORY", codes.ResourceExhausted},
	{fs.ErrNotSupported, "NOT_SUPPORTED", codes.Unimplemented},
	{fs.ErrShutdown, "SHUTDOWN", codes.FailedPrecondition},
	{fs.ErrCorrupt, "CORRUPT", codes.DataLoss},
	{fs.ErrNotAllocated, "NOT_ALLOCATED", codes.FailedPrecondition},
	{fs.ErrIO, "IO", codes.Internal},
}

// MapErrorToCode converts a Go error to a gRPC status code
func MapErrorToCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if r, ok := lookup(err); ok {
		return r.code
	}

	// Map standard Go errors
	switch {
	case errors.Is(err, os.ErrPermission):
		return codes.PermissionDenied
	case errors.Is(err, os.ErrNotExist):
		return codes.NotFound
	case errors.Is(err, os.ErrExist):
		return codes.AlreadyExists
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EPERM, syscall.EACCES:
			return codes.PermissionDenied
		case syscall.ENOENT:
			return codes.NotFound
		case syscall.EEXIST:
			return codes.AlreadyExists
		case syscall.EINVAL:
			return codes.InvalidArgument
		case syscall.ENOSPC:
			return codes.ResourceExhausted
		case syscall.EIO:
			return codes.Internal
		}
	}

	if s, ok := status.FromError(err); ok {
		return s.Code()
	}

	LogUnknownError(err)
	return codes.Unknown
}

func lookup(err error) (errorReason, bool) {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r, true
		}
	}
	return errorReason{}, false
}

// ErrorToStatus converts err into a gRPC status error. Errors that wrap a
// filesystem sentinel carry an ErrorInfo detail naming it, so the client
// can restore the sentinel.
func ErrorToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	st := status.New(MapErrorToCode(err), err.Error())
	if r, ok := lookup(err); ok {
		if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: r.reason, Domain: ErrorDomain}); derr == nil {
			st = detailed
		}
	}
	return st.Err()
}

// StatusToError is the inverse of ErrorToStatus. Statuses without an
// ErrorInfo detail are mapped by code alone.
func StatusToError(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		for _, r := range reasons {
			if r.reason == info.GetReason() {
				return &fs.FSError{Op: "rpc", Path: st.Message(), Err: r.err}
			}
		}
	}

	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = fs.ErrNotExist
	case codes.AlreadyExists:
		sentinel = fs.ErrExist
	case codes.PermissionDenied:
		sentinel = fs.ErrPermission
	case codes.InvalidArgument:
		sentinel = fs.ErrInvalid
	case codes.ResourceExhausted:
		sentinel = fs.ErrNoSpace
	case codes.Unimplemented:
		sentinel = fs.ErrNotSupported
	case codes.DataLoss:
		sentinel = fs.ErrCorrupt
	default:
		return err
	}
	return &fs.FSError{Op: "rpc", Path: st.Message(), Err: sentinel}
}

// LogUnknownError logs detailed information about unrecognized errors
func LogUnknownError(err error) {
	logrus.WithField("type", fmt.Sprintf("%T", err)).WithError(err).Warn("unknown error type")
}

// LogRequest logs information about a received admin request
func LogRequest(op string, reqID string, clientAddr string) {
	logrus.WithFields(logrus.Fields{
		"op":     op,
		"id":     reqID,
		"client": clientAddr,
	}).Debug("admin request")
}

// LogResponse logs information about an admin response
func LogResponse(op string, reqID string, code codes.Code, duration string) {
	logrus.WithFields(logrus.Fields{
		"op":       op,
		"id":       reqID,
		"status":   code.String(),
		"duration": duration,
	}).Debug("admin response")
}

// LogError logs an error with its context
func LogError(op string, reqID string, err error) {
	logrus.WithFields(logrus.Fields{
		"op": op,
		"id": reqID,
	}).WithError(err).Warn("admin error")
}
