// Package bridge ties the cognitive-core runtime to the substrate worker
// pool: lifecycle, configuration, the shared-memory arena, the task
// dispatcher and the symbolic binding registry, behind one state value.
package bridge

import (
	"errors"
	"fmt"
)

// Result is a bridge-level outcome code. Transport and ABI failures are
// reported as a Result; failures inside a dispatched operation travel in
// the JSON response body instead and never surface here.
type Result int

const (
	ResultOK Result = iota
	ResultNullPointer
	ResultInvalidHandle
	ResultMemoryAllocation
	ResultRemoteException
	ResultSharedMemory
	ResultTimeout
	ResultAlreadyInitialized
	ResultNotInitialized
	ResultAlreadyExists
	ResultNotFound
	ResultInvalidArgument
	ResultResourceExhausted
	ResultNotImplemented
	ResultInitializationFailed
	ResultWorkerFailed
	ResultIOFailed
	ResultUnknown
)

var resultNames = map[Result]string{
	ResultOK:                   "ok",
	ResultNullPointer:          "null pointer",
	ResultInvalidHandle:        "invalid handle",
	ResultMemoryAllocation:     "memory allocation failed",
	ResultRemoteException:      "remote exception",
	ResultSharedMemory:         "shared memory failure",
	ResultTimeout:              "timeout",
	ResultAlreadyInitialized:   "already initialized",
	ResultNotInitialized:       "not initialized",
	ResultAlreadyExists:        "already exists",
	ResultNotFound:             "not found",
	ResultInvalidArgument:      "invalid argument",
	ResultResourceExhausted:    "resource exhausted",
	ResultNotImplemented:       "not implemented",
	ResultInitializationFailed: "initialization failed",
	ResultWorkerFailed:         "worker failed",
	ResultIOFailed:             "io failed",
	ResultUnknown:              "unknown error",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Error is a failure carrying a bridge Result code.
type Error struct {
	Code    Result
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Message
}

// coded builds an *Error with a formatted message.
func coded(code Result, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ResultOf extracts the Result code from an error chain. A nil error is
// ResultOK; an error with no embedded code is ResultUnknown.
func ResultOf(err error) Result {
	if err == nil {
		return ResultOK
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ResultUnknown
}
