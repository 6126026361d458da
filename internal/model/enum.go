package model

import (
	"fmt"
	"strings"
)

// parseEnum 将字符串解析为闭集枚举值，未知值返回错误
func parseEnum[T ~string](kind, s string, allowed ...T) (T, error) {
	v := T(strings.ToLower(strings.TrimSpace(s)))
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid %s %q", kind, s)
}

func contains[T ~string](v T, allowed ...T) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
