// Package errors 提供统一错误辅助与任务错误分类，不依赖 internal
package errors

import (
	"errors"
	"fmt"
	"reflect"
)

// 常用哨兵错误
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ErrorType 任务错误类型，写入状态记录的 error.type
type ErrorType string

const (
	TypeUnsupportedFormat ErrorType = "unsupported_format"
	TypeAlreadyExists     ErrorType = "already_exists"
	TypeFileNotFound      ErrorType = "file_not_found"
	TypeValidation        ErrorType = "validation_error"
	TypeUnexpected        ErrorType = "unexpected_error"
	TypeConsumer          ErrorType = "consumer_error"
	TypeTransport         ErrorType = "transport_error"
	TypeBatch             ErrorType = "batch_processing_error"
	TypeTimeout           ErrorType = "timeout"
)

// TaskError 带类型的任务错误；Anticipated 为 true 时写终态后不再重试
type TaskError struct {
	Type          ErrorType
	Message       string
	ExceptionType string
	Err           error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError 创建指定类型的任务错误
func NewTaskError(t ErrorType, format string, args ...interface{}) *TaskError {
	return &TaskError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Unexpected 将任意错误包装为 unexpected_error，并记录原始错误的类型名
func Unexpected(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return &TaskError{
		Type:          TypeUnexpected,
		Message:       err.Error(),
		ExceptionType: exceptionType(err),
		Err:           err,
	}
}

// Transport 包装 broker/store 不可达类错误
func Transport(err error, msg string) *TaskError {
	return &TaskError{Type: TypeTransport, Message: msg, Err: err}
}

// AsTaskError 从错误链中取出 TaskError
func AsTaskError(err error) (*TaskError, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsAnticipated 预期内错误：写终态 failed 后 ack，不再重投
func IsAnticipated(err error) bool {
	te, ok := AsTaskError(err)
	if !ok {
		return false
	}
	switch te.Type {
	case TypeUnsupportedFormat, TypeAlreadyExists, TypeFileNotFound, TypeValidation, TypeTimeout, TypeTransport:
		return true
	}
	return false
}

func exceptionType(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}
