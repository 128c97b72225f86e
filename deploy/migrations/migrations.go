package migrations

import "embed"

// Files 暴露聊天记录与异步任务所需的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
