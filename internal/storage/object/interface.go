package object

import (
	"context"
	"errors"
	"io"
)

// ErrInvalidKey key 为空或越出存储根目录
var ErrInvalidKey = errors.New("object: invalid key")

// Store 上传暂存：gateway 写入，worker 按 Path 返回的路径读取
type Store interface {
	// Put 写入对象，返回 worker 可读取的路径
	Put(ctx context.Context, key string, data io.Reader) (*ObjectInfo, error)
	// Delete 删除对象或以 key 为前缀的目录；不存在时不报错
	Delete(ctx context.Context, key string) error
	// Path key 对应的本地路径
	Path(key string) string
}

// ObjectInfo 对象信息
type ObjectInfo struct {
	Key  string `json:"key"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}
