package risk

import "errors"

// 错误分类：调用方通过 errors.Is 判断。
var (
	ErrValidation             = errors.New("validation error")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrNotFound               = errors.New("resource not found")
	ErrInvalidState           = errors.New("invalid state")
	ErrInternal               = errors.New("internal error")
)
