package errors

import (
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

var (
	ErrConfigLoad      = "CONFIG_LOAD_ERROR"
	ErrDatabaseConnect = "DATABASE_CONNECT_ERROR"
	ErrRPConnect       = "RPC_CONNECT_ERROR"
	ErrBlockFetch      = "BLOCK_FETCH_ERROR"
	ErrEventParse      = "EVENT_PARSE_ERROR"

	// 以下为对账流程的错误分类
	ErrFetch             = "FETCH_ERROR"
	ErrDiffInconsistency = "DIFF_INCONSISTENCY"
	ErrApplyVerification = "APPLY_VERIFICATION_FAILURE"
	ErrExternalLookup    = "EXTERNAL_LOOKUP_FAILURE"
	ErrDelivery          = "DELIVERY_FAILURE"
	ErrCheckpointAdvance = "CHECKPOINT_ADVANCE_ERROR"
	ErrAuditCorrection   = "AUDIT_CORRECTION_ERROR"
)

// fatalCodes 致命错误：运行立即停止，检查点不前进
var fatalCodes = map[string]bool{
	ErrFetch:             true,
	ErrDiffInconsistency: true,
	ErrApplyVerification: true,
	ErrCheckpointAdvance: true,
	ErrAuditCorrection:   true,
}

// HasCode 判断错误链中是否存在指定代码的AppError
func HasCode(err error, code string) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsFatal 判断错误是否属于致命分类
func IsFatal(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return fatalCodes[appErr.Code]
}
