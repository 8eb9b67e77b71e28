package errors

import (
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryAfterKey is the error context key remote adapters use to pass a
// server-suggested delay alongside a gRPC status.
const RetryAfterKey = "retry_after"

// FromStatus maps a gRPC status error onto the sync taxonomy. Non-status
// errors yield nil.
func FromStatus(err error, retryAfter time.Duration) *StructuredError {
	se := fromStatus(err)
	if se != nil && retryAfter > 0 {
		se.RetryAfter = retryAfter
		se.Context[RetryAfterKey] = retryAfter
	}
	return se
}

func fromStatus(err error) *StructuredError {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return nil
	}
	var t ErrorType
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		t = ErrorTypeTransientNetwork
	case codes.ResourceExhausted:
		t = ErrorTypeRateLimited
	case codes.Unauthenticated, codes.PermissionDenied:
		t = ErrorTypeAccountUnavailable
	case codes.Aborted, codes.FailedPrecondition:
		t = ErrorTypeVersionConflict
	case codes.Canceled:
		t = ErrorTypeCancelled
	case codes.InvalidArgument:
		t = ErrorTypeSchemaMismatch
	default:
		t = ErrorTypeFatal
	}
	return Wrap(err, t, "remote", st.Message()).WithContext("grpc_code", st.Code().String())
}
