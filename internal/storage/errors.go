package storage

import "errors"

// Storage errors
var (
	// ErrRecordNotFound 记录未找到
	ErrRecordNotFound = errors.New("record not found")

	// ErrStorageClosed 存储已关闭
	ErrStorageClosed = errors.New("storage closed")

	// ErrInvalidData 无效数据
	ErrInvalidData = errors.New("invalid data")
)
