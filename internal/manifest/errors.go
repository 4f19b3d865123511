package manifest

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedManifest 表示内容无法解析为 manifest JSON。
	ErrMalformedManifest = errors.New("malformed manifest")
	// ErrMissingRequiredField 表示必填字段缺失或取值非法。
	ErrMissingRequiredField = errors.New("manifest missing required field")
)

// FieldError 记录出错字段路径，Unwrap 后可与 ErrMissingRequiredField 比较。
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("manifest field %s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return ErrMissingRequiredField
}

func missingField(field string) error {
	return &FieldError{Field: field, Reason: "required"}
}

func invalidField(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}
