package model

import (
	"html"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// Direction 邮件方向
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

func ParseDirection(s string) (Direction, error) {
	return parseEnum("direction", s, DirectionIncoming, DirectionOutgoing)
}

// Message 一封邮件，持久化后不可变
type Message struct {
	ID                int64
	ConversationID    int64
	UserID            int64
	ProviderMessageID string
	ProviderThreadID  string
	HeaderMessageID   string
	Sender            string
	Recipients        []string
	Subject           string
	BodyText          string
	BodyHTML          string
	Direction         Direction
	SentAt            time.Time
}

var (
	tagPattern   = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	spacePattern = regexp.MustCompile(`[ \t]+`)
)

// Body 返回纯文本正文；只有 HTML 时去掉标签
func (m Message) Body() string {
	if strings.TrimSpace(m.BodyText) != "" {
		return m.BodyText
	}
	text := tagPattern.ReplaceAllString(m.BodyHTML, " ")
	text = html.UnescapeString(text)
	return strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))
}

// SenderAddress 返回发件人的邮箱地址（小写）
func (m Message) SenderAddress() string {
	return NormalizeAddress(m.Sender)
}

// SenderDomain 返回发件人邮箱域名
func (m Message) SenderDomain() string {
	addr := m.SenderAddress()
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// NormalizeAddress 从 "Name <a@b.c>" 中取出小写地址；无法解析时返回原串的小写形式
func NormalizeAddress(s string) string {
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// ReplySubject 生成回复主题
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}
