// Package mailprovider 定义邮件服务商能力（列出、获取、发送、存草稿），并提供 Gmail 实现。
// 凭证对核心流程不透明，令牌刷新在实现内部完成。
package mailprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailpilot/pkg/util"
)

// MessageRef 列表接口返回的邮件引用
type MessageRef struct {
	ID       string
	ThreadID string
}

// ListResult 一次增量列表的结果
type ListResult struct {
	Refs []MessageRef
	// 全部 Refs 入库后才能保存的新游标
	NextCursor string
}

// RawMessage 服务商返回的完整邮件
type RawMessage struct {
	ID              string
	ThreadID        string
	MessageIDHeader string
	From            string
	To              []string
	Subject         string
	BodyText        string
	BodyHTML        string
	SentAt          time.Time
	Outgoing        bool
}

// OutgoingMessage 待发送或存为草稿的邮件
type OutgoingMessage struct {
	From      string
	To        []string
	Subject   string
	Body      string
	ThreadID  string
	InReplyTo string
}

// SentRef 发送或草稿的服务商引用
type SentRef struct {
	ID       string
	ThreadID string
}

// Provider 邮件服务商能力
type Provider interface {
	ListMessages(ctx context.Context, credentials []byte, query, cursor string) (ListResult, error)
	GetMessage(ctx context.Context, credentials []byte, id string) (RawMessage, error)
	Send(ctx context.Context, credentials []byte, msg OutgoingMessage) (SentRef, error)
	CreateDraft(ctx context.Context, credentials []byte, msg OutgoingMessage) (SentRef, error)
}

// Archiver 可选能力：把邮件移出收件箱
type Archiver interface {
	Archive(ctx context.Context, credentials []byte, id string) error
}

var (
	// ErrAuth 凭证过期或被撤销，需要用户重新授权
	ErrAuth = errors.New("mail provider authentication failed")
	// ErrRateLimited 服务商限流
	ErrRateLimited = errors.New("mail provider rate limited")
)

// AuthError 不可重试，触发重新连接流程
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string        { return fmt.Sprintf("%s: %v: %v", e.Op, ErrAuth, e.Err) }
func (e *AuthError) Unwrap() error        { return e.Err }
func (e *AuthError) Is(target error) bool { return target == ErrAuth }
func (e *AuthError) Kind() util.ErrorKind { return util.KindAuth }

// RateLimitError 可重试，按退避等待
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrRateLimited, e.Err)
}
func (e *RateLimitError) Unwrap() error        { return e.Err }
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
func (e *RateLimitError) Kind() util.ErrorKind { return util.KindTransient }

// APIError 其他服务商错误；5xx 和网络错误可重试
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: mail provider returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: mail provider error: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) Kind() util.ErrorKind {
	switch {
	case e.StatusCode == 0:
		if kind := util.Classify(e.Err); kind == util.KindCanceled {
			return kind
		}
		return util.KindTransient
	case e.StatusCode == 408, e.StatusCode >= 500:
		return util.KindTransient
	case e.StatusCode == 404:
		return util.KindNotFound
	default:
		return util.KindPermanent
	}
}
