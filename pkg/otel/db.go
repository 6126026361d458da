package otel

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// DBSpan 为一条 SQL 语句创建 client span，操作名取语句的第一个关键字
func DBSpan(ctx context.Context, query string) (context.Context, trace.Span) {
	operation := "query"
	if fields := strings.Fields(query); len(fields) > 0 {
		operation = strings.ToLower(fields[0])
	}
	if len(query) > 500 {
		query = query[:500]
	}
	return Tracer().Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			attribute.String("db.operation", operation),
			attribute.String("db.statement", query),
		),
	)
}
