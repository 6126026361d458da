// Package migrations 嵌入数据库迁移 SQL 文件
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
