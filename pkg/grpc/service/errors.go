package service

import (
	"context"
	"errors"
	"strings"

	"github.com/KevoDB/sysparam/pkg/sysparam"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrCompactionInProgress is returned when a Compact request arrives while
// another one is running
var ErrCompactionInProgress = errors.New("compaction is already in progress")

var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{sysparam.ErrNotFound, codes.NotFound},
	{sysparam.ErrBadArguments, codes.InvalidArgument},
	{sysparam.ErrParseFailed, codes.InvalidArgument},
	{ErrMalformedMessage, codes.InvalidArgument},
	{sysparam.ErrFull, codes.ResourceExhausted},
	{sysparam.ErrOutOfMemory, codes.ResourceExhausted},
	{sysparam.ErrNotInitialized, codes.FailedPrecondition},
	{sysparam.ErrNotEmpty, codes.FailedPrecondition},
	{sysparam.ErrIteratorStale, codes.Aborted},
	{ErrCompactionInProgress, codes.Aborted},
	{sysparam.ErrCorrupt, codes.DataLoss},
	{sysparam.ErrIO, codes.Unavailable},
	{context.Canceled, codes.Canceled},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
}

// toStatus converts a store error into a gRPC status error
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return status.Error(e.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus maps a gRPC status error returned by the service back to the
// store sentinel it was created from, keeping the server's message. Errors
// with other codes are returned unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	var sentinel error
	for _, e := range errorCodes {
		if e.code != st.Code() {
			continue
		}
		if strings.Contains(st.Message(), e.err.Error()) {
			sentinel = e.err
			break
		}
		if sentinel == nil {
			sentinel = e.err
		}
	}
	if sentinel == nil {
		return err
	}
	return &remoteError{sentinel: sentinel, code: st.Code(), msg: st.Message()}
}

// remoteError carries a server message while matching the sentinel with
// errors.Is
type remoteError struct {
	sentinel error
	code     codes.Code
	msg      string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.sentinel }

// GRPCStatus lets status.FromError and status.Code see the original code
func (e *remoteError) GRPCStatus() *status.Status {
	return status.New(e.code, e.msg)
}
