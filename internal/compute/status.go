package compute

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"qcoord/internal/domain"
)

// grpcErrorLimit keeps error strings under the header size clients accept.
const grpcErrorLimit = 8*1024 - 512

// StatusFromError converts an RPC failure into a Status. Transport failures
// become RPC errors and expired deadlines become timeouts, which the
// coordinator treats differently when classifying retries.
func StatusFromError(err error) domain.Status {
	if err == nil {
		return domain.StatusOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Status{Code: domain.CodeTimeout, Message: err.Error()}
	}
	st, ok := status.FromError(err)
	if !ok {
		return domain.Status{Code: domain.CodeRPCError, Message: err.Error()}
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return domain.Status{Code: domain.CodeTimeout, Message: st.Message()}
	case codes.Unavailable, codes.Unimplemented, codes.Unauthenticated, codes.Unknown:
		return domain.Status{Code: domain.CodeRPCError, Message: st.Message()}
	case codes.Canceled:
		return domain.Cancelled(st.Message())
	case codes.ResourceExhausted:
		return domain.Status{Code: domain.CodeMemLimitExceeded, Message: st.Message()}
	default:
		return domain.InternalError(st.Message())
	}
}

// ToGRPC converts a non-OK Status into a gRPC error for servers.
func ToGRPC(s domain.Status) error {
	if s.OK() {
		return nil
	}
	var code codes.Code
	switch s.Code {
	case domain.CodeCancelled:
		code = codes.Canceled
	case domain.CodeTimeout:
		code = codes.DeadlineExceeded
	case domain.CodeRPCError, domain.CodeServiceUnavailable:
		code = codes.Unavailable
	case domain.CodeMemLimitExceeded:
		code = codes.ResourceExhausted
	default:
		code = codes.Internal
	}
	return status.Error(code, truncate(s.Message))
}

// IsUnavailable reports whether err means the peer could not be reached.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unimplemented, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func truncate(msg string) string {
	if len(msg) <= grpcErrorLimit {
		return msg
	}
	return fmt.Sprintf("%s [...] [remainder of the error is truncated]", msg[:grpcErrorLimit])
}
