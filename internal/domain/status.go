package domain

import "fmt"

// ErrorCode classifies a Status.
type ErrorCode int

const (
	CodeOK ErrorCode = iota
	CodeCancelled
	CodeTimeout
	CodeRPCError
	CodeInternalError
	CodeRemoteFileNotFound
	CodeGlobalDictNotMatch
	CodeMemLimitExceeded
	CodeServiceUnavailable
)

var errorCodeNames = map[ErrorCode]string{
	CodeOK:                 "OK",
	CodeCancelled:          "CANCELLED",
	CodeTimeout:            "TIMEOUT",
	CodeRPCError:           "THRIFT_RPC_ERROR",
	CodeInternalError:      "INTERNAL_ERROR",
	CodeRemoteFileNotFound: "REMOTE_FILE_NOT_FOUND",
	CodeGlobalDictNotMatch: "GLOBAL_DICT_NOT_MATCH",
	CodeMemLimitExceeded:   "MEM_LIMIT_EXCEEDED",
	CodeServiceUnavailable: "SERVICE_UNAVAILABLE",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Messages carried by cancellation statuses. Workers echo the cancel reason
// back in their final report, so these strings identify benign cancels.
const (
	BackendNodeNotFoundError = "Backend node not found. Check if any backend node is down."
	LimitReachError          = "query reached its limit of rows"
	QueryFinishedError       = "query is finished"
)

// Status is the outcome of an execution step: OK, or an error code with a
// message.
type Status struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// StatusOK is the zero Status.
var StatusOK = Status{}

// NewStatus builds a Status with a formatted message.
func NewStatus(code ErrorCode, format string, args ...interface{}) Status {
	if len(args) == 0 {
		return Status{Code: code, Message: format}
	}
	return Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Cancelled returns a CANCELLED status with msg.
func Cancelled(msg string) Status { return Status{Code: CodeCancelled, Message: msg} }

// InternalError returns an INTERNAL_ERROR status with msg.
func InternalError(msg string) Status { return Status{Code: CodeInternalError, Message: msg} }

func (s Status) OK() bool { return s.Code == CodeOK }
func (s Status) IsCancelled() bool { return s.Code == CodeCancelled }
func (s Status) IsTimeout() bool { return s.Code == CodeTimeout }
func (s Status) IsRPCError() bool { return s.Code == CodeRPCError }
func (s Status) IsRemoteFileNotFound() bool { return s.Code == CodeRemoteFileNotFound }
func (s Status) IsGlobalDictNotMatch() bool { return s.Code == CodeGlobalDictNotMatch }
func (s Status) ErrorCodeString() string { return s.Code.String() }
func (s Status) WithMessage(m string) Status { return Status{Code: s.Code, Message: m} }

// IsInternalCancel reports whether s is a cancellation the coordinator issued
// itself after all results were delivered.
func (s Status) IsInternalCancel() bool {
	return s.IsCancelled() && (s.Message == LimitReachError || s.Message == QueryFinishedError)
}

func (s Status) String() string {
	if s.OK() {
		return "OK"
	}
	if s.Message == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Message
}

// CancelReason is why a coordinator cancels its fragment instances.
type CancelReason int

const (
	CancelUnknown CancelReason = iota
	CancelUserCancel
	CancelInternalError
	CancelTimeout
	CancelLimitReach
	CancelQueryFinished
)

func (r CancelReason) String() string {
	switch r {
	case CancelUserCancel:
		return "USER_CANCEL"
	case CancelInternalError:
		return "INTERNAL_ERROR"
	case CancelTimeout:
		return "TIMEOUT"
	case CancelLimitReach:
		return "LIMIT_REACH"
	case CancelQueryFinished:
		return "QUERY_FINISHED"
	default:
		return "UNKNOWN"
	}
}

// IsInternal reports whether r is a benign cancel issued once every result
// row has been returned.
func (r CancelReason) IsInternal() bool {
	return r == CancelLimitReach || r == CancelQueryFinished
}

// Message is the status message a worker reports after being cancelled for r.
func (r CancelReason) Message() string {
	switch r {
	case CancelLimitReach:
		return LimitReachError
	case CancelQueryFinished:
		return QueryFinishedError
	default:
		return r.String()
	}
}

// ParseCancelReason is the inverse of CancelReason.String.
func ParseCancelReason(s string) CancelReason {
	for r := CancelUnknown; r <= CancelQueryFinished; r++ {
		if r.String() == s {
			return r
		}
	}
	return CancelUnknown
}
