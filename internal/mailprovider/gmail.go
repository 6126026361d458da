package mailprovider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailpilot/pkg/metrics"
	"mailpilot/pkg/otel"
)

const gmailUser = "me"

// GmailConfig Gmail OAuth 客户端配置
type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	// 首次同步的时间窗口，Gmail 搜索语法，如 "2d"
	InitialWindow string        `yaml:"initial_window"`
	MaxMessages   int64         `yaml:"max_messages"`
	Overlap       time.Duration `yaml:"overlap"`
}

// Gmail 基于 Gmail API 的 Provider
type Gmail struct {
	oauth *oauth2.Config
	cfg   GmailConfig
	// 追加到 gmail.NewService 的选项，测试中指向本地服务
	clientOpts []option.ClientOption
	now        func() time.Time
	logger     *zap.Logger
}

func NewGmail(cfg GmailConfig, logger *zap.Logger) *Gmail {
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if cfg.InitialWindow == "" {
		cfg.InitialWindow = "2d"
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 100
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = 5 * time.Minute
	}
	return &Gmail{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://accounts.google.com/o/oauth2/auth",
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{gmail.GmailModifyScope, gmail.GmailComposeScope},
		},
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// service 凭证是 oauth2.Token 的 JSON；访问令牌过期时由 TokenSource 自动刷新
func (g *Gmail) service(ctx context.Context, op string, credentials []byte) (*gmail.Service, error) {
	var tok oauth2.Token
	if err := json.Unmarshal(credentials, &tok); err != nil {
		return nil, &AuthError{Op: op, Err: fmt.Errorf("invalid stored credentials: %w", err)}
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, &AuthError{Op: op, Err: errors.New("no token stored")}
	}
	opts := append([]option.ClientOption{option.WithTokenSource(g.oauth.TokenSource(ctx, &tok))}, g.clientOpts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, &APIError{Op: op, Err: err}
	}
	return svc, nil
}

// ListMessages 列出游标之后的全部邮件 id，按时间从旧到新返回最多 MaxMessages 封。
// Gmail 按从新到旧分页，因此需要翻完所有页才能找到最旧的一批；只取 id，开销很小。
// 有剩余时游标推进到本批最新一封的时间，下个周期从那里继续。
func (g *Gmail) ListMessages(ctx context.Context, credentials []byte, query, cursor string) (result ListResult, err error) {
	const op = "list_messages"
	ctx, done := g.track(ctx, op)
	defer func() { done(err) }()

	svc, err := g.service(ctx, op, credentials)
	if err != nil {
		return ListResult{}, err
	}

	startedAt := g.now()
	q := g.buildQuery(query, cursor)

	var refs []MessageRef
	pageToken := ""
	for {
		call := svc.Users.Messages.List(gmailUser).Q(q).MaxResults(500).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, callErr := call.Do()
		if callErr != nil {
			err = classifyGmailError(op, callErr)
			return ListResult{}, err
		}
		for _, m := range resp.Messages {
			refs = append(refs, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	slices.Reverse(refs)

	if int64(len(refs)) <= g.cfg.MaxMessages {
		result.Refs = refs
		result.NextCursor = strconv.FormatInt(startedAt.Add(-g.cfg.Overlap).Unix(), 10)
		return result, nil
	}

	result.Refs = refs[:g.cfg.MaxMessages]
	newest := result.Refs[len(result.Refs)-1]
	m, callErr := svc.Users.Messages.Get(gmailUser, newest.ID).Format("minimal").Context(ctx).Do()
	if callErr != nil {
		err = classifyGmailError(op, callErr)
		return ListResult{}, err
	}
	result.NextCursor = strconv.FormatInt(batchCursor(cursor, m.InternalDate), 10)

	g.logger.Info("Mailbox backlog exceeds batch, continuing next cycle",
		zap.Int("listed", len(refs)),
		zap.Int64("batch", g.cfg.MaxMessages),
		zap.String("next_cursor", result.NextCursor),
	)
	return result, nil
}

// batchCursor 退一秒让同一秒内的其余邮件在下个周期重新列出（入库幂等）；
// 但游标必须前进，否则同一秒内超过一批的邮件会让同步原地打转
func batchCursor(previous string, newestMillis int64) int64 {
	next := newestMillis/1000 - 1
	if prev, convErr := strconv.ParseInt(previous, 10, 64); convErr == nil && next <= prev {
		next = prev + 1
	}
	return next
}

func (g *Gmail) buildQuery(query, cursor string) string {
	parts := []string{"-in:chats"}
	if secs, convErr := strconv.ParseInt(cursor, 10, 64); convErr == nil && secs > 0 {
		parts = append(parts, fmt.Sprintf("after:%d", secs))
	} else {
		parts = append(parts, "newer_than:"+g.cfg.InitialWindow)
	}
	if strings.TrimSpace(query) != "" {
		parts = append(parts, query)
	}
	return strings.Join(parts, " ")
}

func (g *Gmail) GetMessage(ctx context.Context, credentials []byte, id string) (msg RawMessage, err error) {
	const op = "get_message"
	ctx, done := g.track(ctx, op)
	defer func() { done(err) }()

	svc, err := g.service(ctx, op, credentials)
	if err != nil {
		return RawMessage{}, err
	}
	m, callErr := svc.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
	if callErr != nil {
		err = classifyGmailError(op, callErr)
		return RawMessage{}, err
	}
	return convertMessage(m), nil
}

func (g *Gmail) Send(ctx context.Context, credentials []byte, out OutgoingMessage) (ref SentRef, err error) {
	const op = "send"
	ctx, done := g.track(ctx, op)
	defer func() { done(err) }()

	svc, err := g.service(ctx, op, credentials)
	if err != nil {
		return SentRef{}, err
	}
	m, callErr := svc.Users.Messages.Send(gmailUser, &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(BuildRFC822(out)),
		ThreadId: out.ThreadID,
	}).Context(ctx).Do()
	if callErr != nil {
		err = classifyGmailError(op, callErr)
		return SentRef{}, err
	}
	return SentRef{ID: m.Id, ThreadID: m.ThreadId}, nil
}

func (g *Gmail) CreateDraft(ctx context.Context, credentials []byte, out OutgoingMessage) (ref SentRef, err error) {
	const op = "create_draft"
	ctx, done := g.track(ctx, op)
	defer func() { done(err) }()

	svc, err := g.service(ctx, op, credentials)
	if err != nil {
		return SentRef{}, err
	}
	d, callErr := svc.Users.Drafts.Create(gmailUser, &gmail.Draft{
		Message: &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(BuildRFC822(out)),
			ThreadId: out.ThreadID,
		},
	}).Context(ctx).Do()
	if callErr != nil {
		err = classifyGmailError(op, callErr)
		return SentRef{}, err
	}
	ref = SentRef{ID: d.Id}
	if d.Message != nil {
		ref.ThreadID = d.Message.ThreadId
	}
	return ref, nil
}

// Archive 移除 INBOX 标签
func (g *Gmail) Archive(ctx context.Context, credentials []byte, id string) (err error) {
	const op = "archive"
	ctx, done := g.track(ctx, op)
	defer func() { done(err) }()

	svc, err := g.service(ctx, op, credentials)
	if err != nil {
		return err
	}
	_, callErr := svc.Users.Messages.Modify(gmailUser, id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"INBOX"},
	}).Context(ctx).Do()
	if callErr != nil {
		err = classifyGmailError(op, callErr)
	}
	return err
}

// track 记录调用耗时、span 和失败日志
func (g *Gmail) track(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, "gmail."+op)
	return ctx, func(err error) {
		status := "success"
		if err != nil {
			switch {
			case errors.Is(err, ErrAuth):
				status = "auth"
			case errors.Is(err, ErrRateLimited):
				status = "rate_limited"
			default:
				status = "error"
			}
			g.logger.Warn("Gmail call failed", zap.String("operation", op), zap.Error(err))
		}
		metrics.RecordProviderCallLatency("gmail", op, status, time.Since(start))
		otel.EndSpan(span, err)
	}
}

// classifyGmailError 把 Gmail / OAuth 错误映射为 AuthError、RateLimitError 或 APIError
func classifyGmailError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		// invalid_grant：refresh token 已失效
		return &AuthError{Op: op, Err: err}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return &AuthError{Op: op, Err: err}
		case 429:
			return &RateLimitError{Op: op, RetryAfter: retryAfter(apiErr), Err: err}
		case 403:
			for _, item := range apiErr.Errors {
				switch item.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
					return &RateLimitError{Op: op, RetryAfter: retryAfter(apiErr), Err: err}
				}
			}
			return &AuthError{Op: op, Err: err}
		default:
			return &APIError{Op: op, StatusCode: apiErr.Code, Err: err}
		}
	}
	return &APIError{Op: op, Err: err}
}

func retryAfter(e *googleapi.Error) time.Duration {
	if e.Header == nil {
		return 0
	}
	if secs, err := strconv.Atoi(e.Header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func convertMessage(m *gmail.Message) RawMessage {
	out := RawMessage{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		SentAt:   time.UnixMilli(m.InternalDate).UTC(),
	}
	for _, l := range m.LabelIds {
		if l == "SENT" {
			out.Outgoing = true
		}
	}
	if m.Payload == nil {
		return out
	}

	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			out.From = h.Value
		case "to", "cc":
			out.To = append(out.To, splitAddresses(h.Value)...)
		case "subject":
			out.Subject = decodeHeader(h.Value)
		case "message-id":
			out.MessageIDHeader = h.Value
		}
	}
	walkParts(m.Payload, &out)
	return out
}

func walkParts(p *gmail.MessagePart, out *RawMessage) {
	if p == nil {
		return
	}
	if p.Filename == "" && p.Body != nil && p.Body.Data != "" {
		switch {
		case strings.HasPrefix(p.MimeType, "text/plain") && out.BodyText == "":
			out.BodyText = decodeBody(p.Body.Data)
		case strings.HasPrefix(p.MimeType, "text/html") && out.BodyHTML == "":
			out.BodyHTML = decodeBody(p.Body.Data)
		}
	}
	for _, child := range p.Parts {
		walkParts(child, out)
	}
}

// decodeBody Gmail 使用 base64url，可能带或不带填充
func decodeBody(data string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	if s, err := dec.DecodeHeader(v); err == nil {
		return s
	}
	return v
}

func splitAddresses(v string) []string {
	list, err := mail.ParseAddressList(v)
	if err != nil {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// BuildRFC822 生成纯文本邮件原文
func BuildRFC822(m OutgoingMessage) []byte {
	var sb strings.Builder
	if m.From != "" {
		fmt.Fprintf(&sb, "From: %s\r\n", m.From)
	}
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	if m.InReplyTo != "" {
		fmt.Fprintf(&sb, "In-Reply-To: %s\r\n", m.InReplyTo)
		fmt.Fprintf(&sb, "References: %s\r\n", m.InReplyTo)
	}
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(strings.ReplaceAll(m.Body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(sb.String())
}
