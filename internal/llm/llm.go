// Package llm 封装大模型推理能力：Gemini 与 OpenAI 兼容接口，带限流、熔断和多服务商切换。
// 调用方通过 CompleteJSON 获得经过严格校验的结构化结果，模型输出无法解析时返回 ErrMalformedOutput。
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailpilot/pkg/util"
)

// ProviderType 服务商类型
type ProviderType string

const (
	ProviderGemini     ProviderType = "gemini"
	ProviderGroq       ProviderType = "groq"
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderOpenAI     ProviderType = "openai"
)

// Request 一次补全请求
type Request struct {
	// 调用方组件名，用于指标和日志（analyzer / drafter / risk / confidence / feedback）
	Component   string
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int32
}

// Client 推理能力；返回模型的原始文本
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Provider 单个服务商
type Provider interface {
	Client
	Name() string
	Close() error
}

// ProviderConfig 单个服务商配置
type ProviderConfig struct {
	Type              ProviderType  `yaml:"type"`
	APIKey            string        `yaml:"api_key"`
	ModelName         string        `yaml:"model_name"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// ErrMalformedOutput 模型输出无法解析或未通过校验
var ErrMalformedOutput = errors.New("malformed model output")

// MalformedError 记录无法解析的原始输出
type MalformedError struct {
	Component string
	Raw       string
	Err       error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed model output: %v", e.Component, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool { return target == ErrMalformedOutput }

func (e *MalformedError) Kind() util.ErrorKind { return util.KindMalformed }

// ProviderError 服务商返回的错误
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Kind 429、5xx 和网络错误可重试，其余（密钥错误、请求非法）不可重试
func (e *ProviderError) Kind() util.ErrorKind {
	switch {
	case e.StatusCode == 0:
		if e.Err != nil {
			if kind := util.Classify(e.Err); kind != util.KindPermanent {
				return kind
			}
		}
		return util.KindTransient
	case e.StatusCode == 429, e.StatusCode == 408, e.StatusCode >= 500:
		return util.KindTransient
	default:
		return util.KindPermanent
	}
}

// RateLimited 服务商限流
func (e *ProviderError) RateLimited() bool {
	return e.StatusCode == 429
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
