package store

import (
	"errors"
	"path/filepath"
	"strconv"
	"time"
)

// ErrNotFound is returned when no share has the requested id.
var ErrNotFound = errors.New("store: share not found")

// Share is one locally registered file available for remote retrieval.
type Share struct {
	FileID   uint32 `json:"file_id"`
	Crt      int64  `json:"crt"` // epoch seconds
	Exp      int64  `json:"exp"` // epoch seconds
	FileSize uint64 `json:"file_size"`
	UserName string `json:"user_name"`
	FileName string `json:"file_name"`
}

// Expired reports whether the share's expiry lies strictly before now.
func (s Share) Expired(now time.Time) bool {
	return s.Exp < now.Unix()
}

// FilePath is where the share's backing file lives under the store root.
func FilePath(root string, fileID uint32) string {
	return filepath.Join(root, strconv.FormatUint(uint64(fileID), 10))
}
