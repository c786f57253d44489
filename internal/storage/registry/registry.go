// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry 已入库文档登记表：Embedding Worker 写入，Document Worker 查重
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `CREATE TABLE IF NOT EXISTS ingested_documents (
  file_name   TEXT PRIMARY KEY,
  task_id     TEXT NOT NULL,
  chunks      INTEGER NOT NULL,
  ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Entry 登记记录
type Entry struct {
	FileName   string
	TaskID     string
	Chunks     int
	IngestedAt time.Time
}

// PostgresRegistry 基于 PostgreSQL 的登记表，file_name 为规范化后的文件名
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry 连接数据库并建表
func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRegistry{pool: pool}, nil
}

// Close 关闭连接池
func (r *PostgresRegistry) Close() {
	r.pool.Close()
}

// AlreadyIngested 是否已登记
func (r *PostgresRegistry) AlreadyIngested(ctx context.Context, fileName string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ingested_documents WHERE file_name = $1)`,
		fileName,
	).Scan(&exists)
	return exists, err
}

// MarkIngested 登记；重复登记覆盖为最新一次
func (r *PostgresRegistry) MarkIngested(ctx context.Context, fileName, taskID string, chunks int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ingested_documents (file_name, task_id, chunks) VALUES ($1, $2, $3)
ON CONFLICT (file_name) DO UPDATE SET task_id = EXCLUDED.task_id, chunks = EXCLUDED.chunks, ingested_at = now()`,
		fileName, taskID, chunks,
	)
	return err
}

// Get 查询登记；不存在返回 nil, nil
func (r *PostgresRegistry) Get(ctx context.Context, fileName string) (*Entry, error) {
	var e Entry
	err := r.pool.QueryRow(ctx,
		`SELECT file_name, task_id, chunks, ingested_at FROM ingested_documents WHERE file_name = $1`,
		fileName,
	).Scan(&e.FileName, &e.TaskID, &e.Chunks, &e.IngestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Forget 删除登记，允许同名文件重新入库
func (r *PostgresRegistry) Forget(ctx context.Context, fileName string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM ingested_documents WHERE file_name = $1`, fileName)
	return err
}
