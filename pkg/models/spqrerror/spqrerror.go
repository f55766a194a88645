package spqrerror

import (
	"errors"
	"fmt"
)

const (
	SPQR_UNEXPECTED           = "SPQRU"
	SPQR_INVALID_REQUEST      = "SPQRI"
	SPQR_CONFIG_ERROR         = "SPQRG"
	SPQR_TASK_NOT_FOUND       = "SPQRT"
	SPQR_TASK_NOT_ABORTABLE   = "SPQRA"
	SPQR_TASK_GROUP_UNOWNED   = "SPQRN"
	SPQR_TASK_GROUP_OWNED     = "SPQRO"
	SPQR_TASK_REGISTRY_SEALED = "SPQRZ"
	SPQR_METADATA_READ_ERROR  = "SPQRM"
	SPQR_METADATA_CORRUPTION  = "SPQRC"
	SPQR_TRANSITION_NOT_FOUND = "SPQRF"
	SPQR_TRANSITION_COMMITTED = "SPQRX"
)

var existingErrorCodeMap = map[string]string{
	SPQR_UNEXPECTED:           "Unexpected error",
	SPQR_INVALID_REQUEST:      "Invalid request",
	SPQR_CONFIG_ERROR:         "Configuration error",
	SPQR_TASK_NOT_FOUND:       "Task not found",
	SPQR_TASK_NOT_ABORTABLE:   "Task is not abortable",
	SPQR_TASK_GROUP_UNOWNED:   "Task group has no owning module",
	SPQR_TASK_GROUP_OWNED:     "Task group is already owned",
	SPQR_TASK_REGISTRY_SEALED: "Task registry is sealed",
	SPQR_METADATA_READ_ERROR:  "Metadata read failure",
	SPQR_METADATA_CORRUPTION:  "Metadata corruption",
	SPQR_TRANSITION_NOT_FOUND: "Tablet transition not found",
	SPQR_TRANSITION_COMMITTED: "Tablet transition is past its commit point",
}

// GetMessageByCode returns the human readable name of an error code.
func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &SpqrError{}

type SpqrError struct {
	Err error

	ErrorCode string
}

// New creates an error with the given code and message.
func New(errorCode string, errorMsg string) *SpqrError {
	return &SpqrError{
		Err:       errors.New(errorMsg),
		ErrorCode: errorCode,
	}
}

// Newf creates an error with the given code and a formatted message.
// A %w verb in format keeps the wrapped error reachable through Unwrap.
func Newf(errorCode string, format string, a ...any) *SpqrError {
	return &SpqrError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
	}
}

// NewByCode creates an error whose message is the default one of the code.
func NewByCode(errorCode string) *SpqrError {
	return New(errorCode, GetMessageByCode(errorCode))
}

func (er *SpqrError) Error() string {
	return er.Err.Error()
}

func (er *SpqrError) Unwrap() error {
	return er.Err
}

// Is matches any *SpqrError carrying the same code.
func (er *SpqrError) Is(target error) bool {
	t, ok := target.(*SpqrError)
	if !ok {
		return false
	}
	return er.ErrorCode == t.ErrorCode
}

// IsCode reports whether any error in err's chain is a SpqrError with the given code.
func IsCode(err error, errorCode string) bool {
	var se *SpqrError
	if !errors.As(err, &se) {
		return false
	}
	for se != nil {
		if se.ErrorCode == errorCode {
			return true
		}
		var next *SpqrError
		if !errors.As(se.Err, &next) {
			return false
		}
		se = next
	}
	return false
}
