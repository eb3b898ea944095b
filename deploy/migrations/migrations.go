package migrations

import "embed"

// SQLite 暴露 SQLite 任务库的迁移文件，按文件名前缀的版本号顺序执行。
//
//go:embed sqlite/*.sql
var SQLite embed.FS
