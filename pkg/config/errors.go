package config

import (
	"errors"
)

const (
	errorCodeLoadFailed    = "CONFIG_LOAD_FAILED"
	errorCodeInvalidConfig = "CONFIG_INVALID"
)

var (
	// ErrLoad indicates a source could not be read or decoded.
	ErrLoad = errors.New("cannot load configuration")
	// ErrInvalid indicates the merged configuration failed validation.
	ErrInvalid = errors.New("invalid configuration")
)

type errorCoder interface {
	error
	Code() string
}

type withCodeError struct {
	error
	code string
}

func (e *withCodeError) Code() string {
	return e.code
}

func (e *withCodeError) Unwrap() error {
	return e.error
}

// WithErrorCode annotates err with a config error code.
func WithErrorCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &withCodeError{error: err, code: code}
}

// ErrorCode returns the code attached to err, or "" if there is none.
func ErrorCode(err error) string {
	var coder errorCoder
	if errors.As(err, &coder) {
		return coder.Code()
	}
	return ""
}
