package storage

import "errors"

const (
	OneKB = 1 << 10
	OneMB = 1 << 20

	PageSize = 1 << 13 // 8,192 (8 KiB)

	// MinCachePages is the smallest page cache a store can be opened with.
	MinCachePages = 10

	Suffix = ".db"
)

const (
	FileMode0644 = 0o644
	FileMode0755 = 0o755
)

var (
	ErrFileExists     = errors.New("storage: page file already exists")
	ErrFileNotExists  = errors.New("storage: page file does not exist")
	ErrCacheTooSmall  = errors.New("storage: cache capacity below minimum")
	ErrPageOutOfRange = errors.New("storage: page number out of range")
	ErrWrongSize      = errors.New("storage: buffer size != PageSize")
	ErrPageFull       = errors.New("storage: not enough free space on page")
)
