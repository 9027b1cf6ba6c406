//go:build !windows

package main

import (
	"os"
	"syscall"
)

// getActualFileSize reports allocated bytes for one cache file. Badger
// preallocates its value-log files sparsely, so the logical size would
// overstate what the storage ceiling is actually protecting against.
func getActualFileSize(path string, info os.FileInfo) (int64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size(), nil
	}
	// st_blocks counts 512-byte units regardless of filesystem block size
	return stat.Blocks * 512, nil
}
