package analysis

import (
	"errors"
	"fmt"
)

var (
	// ErrInputTooLarge 输入超过大小上限，直接拒绝，不截断继续
	ErrInputTooLarge = errors.New("input exceeds size limit")

	// ErrInvalidManifest manifest 不是 JSON 对象
	ErrInvalidManifest = errors.New("manifest is not a JSON document")
)

// SizeError 带具体大小的 ErrInputTooLarge
type SizeError struct {
	What  string
	Size  int
	Limit int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s is %d bytes, limit is %d", e.What, e.Size, e.Limit)
}

func (e *SizeError) Unwrap() error {
	return ErrInputTooLarge
}

// CheckSize 超过 limit 时返回 *SizeError
func CheckSize(what string, size, limit int) error {
	if limit > 0 && size > limit {
		return &SizeError{What: what, Size: size, Limit: limit}
	}
	return nil
}

// MalformedContainerError 容器格式错误（magic 不符、缓冲区过短等）
type MalformedContainerError struct {
	Reason string
	Offset int
	Err    error
}

func (e *MalformedContainerError) Error() string {
	msg := "malformed container: " + e.Reason
	if e.Offset > 0 {
		msg += fmt.Sprintf(" (offset %d)", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedContainerError) Unwrap() error {
	return e.Err
}

// ParseError 脚本语法解析失败，不致命，调用方走正则降级路径
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("parse %s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("parse: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsMalformedContainer 判断是否为容器格式错误
func IsMalformedContainer(err error) bool {
	var mc *MalformedContainerError
	return errors.As(err, &mc)
}

// IsParseError 判断是否为解析错误
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
