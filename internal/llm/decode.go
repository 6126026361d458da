package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validator 由结构化结果实现，在解析之后校验取值
type Validator interface {
	Validate() error
}

// CompleteJSON 调用模型并把输出严格解析为 T：
// 去掉 markdown 代码块、只接受单个 JSON 对象、拒绝未声明的字段，
// 枚举字段由 UnmarshalText 拒绝未知值，最后调用 Validate。任何一步失败都返回 *MalformedError。
func CompleteJSON[T any](ctx context.Context, c Client, req Request) (T, error) {
	var zero T
	raw, err := c.Complete(ctx, req)
	if err != nil {
		return zero, err
	}
	out, err := DecodeJSON[T](raw)
	if err != nil {
		return zero, &MalformedError{Component: req.Component, Raw: truncate(raw, 500), Err: err}
	}
	return out, nil
}

// DecodeJSON 解析模型输出
func DecodeJSON[T any](raw string) (T, error) {
	var out T
	clean := stripFences(raw)
	if clean == "" {
		return out, errors.New("empty output")
	}

	dec := json.NewDecoder(strings.NewReader(clean))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return out, errors.New("trailing data after JSON object")
	}

	if v, ok := any(&out).(Validator); ok {
		if err := v.Validate(); err != nil {
			return out, fmt.Errorf("validate: %w", err)
		}
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	// 模型有时在 JSON 前后加说明文字
	if i := strings.IndexByte(s, '{'); i > 0 {
		if j := bytes.LastIndexByte([]byte(s), '}'); j > i {
			s = s[i : j+1]
		}
	}
	return s
}
