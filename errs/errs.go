// Package errs defines the external error taxonomy of spec.md §6/§7,
// backed by grpc status codes the way state/containerDB.go reports
// errors from the teacher's state service.
package errs

import (
	"fmt"

	grpcCodes "google.golang.org/grpc/codes"
	grpcStatus "google.golang.org/grpc/status"
)

func NoMemory(format string, args ...interface{}) error {
	return grpcStatus.Errorf(grpcCodes.ResourceExhausted, format, args...)
}

func Invalid(format string, args ...interface{}) error {
	return grpcStatus.Errorf(grpcCodes.InvalidArgument, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return grpcStatus.Errorf(grpcCodes.NotFound, format, args...)
}

func Busy(format string, args ...interface{}) error {
	return grpcStatus.Errorf(grpcCodes.FailedPrecondition, format, args...)
}

func Veto(observer string, cause error) error {
	return grpcStatus.Errorf(grpcCodes.Aborted, "observer %s vetoed: %v", observer, cause)
}

func AlreadyExists(format string, args ...interface{}) error {
	return grpcStatus.Errorf(grpcCodes.AlreadyExists, format, args...)
}

func is(err error, code grpcCodes.Code) bool {
	if err == nil {
		return false
	}
	return grpcStatus.Code(err) == code
}

func IsNoMemory(err error) bool      { return is(err, grpcCodes.ResourceExhausted) }
func IsInvalid(err error) bool       { return is(err, grpcCodes.InvalidArgument) }
func IsNotFound(err error) bool      { return is(err, grpcCodes.NotFound) }
func IsBusy(err error) bool          { return is(err, grpcCodes.FailedPrecondition) }
func IsVeto(err error) bool          { return is(err, grpcCodes.Aborted) }
func IsAlreadyExists(err error) bool { return is(err, grpcCodes.AlreadyExists) }

// Invariant panics. It is used for the handful of spec-mandated
// assertion failures (Q1: a property missing from a node's dead-
// property list during revert) that represent a programming error in
// the caller rather than a reportable runtime condition.
func Invariant(format string, args ...interface{}) {
	panic(fmt.Sprintf("devtree: invariant violated: "+format, args...))
}
