package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindTransient ErrorKind = "transient" // 超时、限流、网络、5xx：可重试
	KindAuth      ErrorKind = "auth"      // 凭证失效：不可重试，需要用户重新授权
	KindMalformed ErrorKind = "malformed" // 模型输出或 payload 无法解析：不可重试
	KindNotFound  ErrorKind = "not_found"
	KindDuplicate ErrorKind = "duplicate"
	KindCanceled  ErrorKind = "canceled"
	KindPermanent ErrorKind = "permanent"
)

// Kinded 由领域错误实现，声明自身分类
type Kinded interface {
	Kind() ErrorKind
}

// Classify 将任意错误映射到 ErrorKind。
// 领域错误优先，其次是 context、JSON、pgx、网络错误。未知错误保守地视为 permanent。
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindMalformed
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return KindNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return KindDuplicate
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			// connection exception / serialization failure / deadlock / admin shutdown
			return KindTransient
		default:
			return KindPermanent
		}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindPermanent
}

// IsRetryableError determines if an error is retryable.
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	kind := Classify(err)
	return kind == KindTransient, string(kind)
}

// ShouldRetry checks if an error should be retried based on retry count
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
