//go:build windows

package main

import (
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32          = syscall.NewLazyDLL("kernel32.dll")
	getCompressedSize = kernel32.NewProc("GetCompressedFileSizeW")
)

// getActualFileSize reports allocated bytes for one cache file via
// GetCompressedFileSizeW, which accounts for sparse and compressed files.
// Any API failure falls back to the logical size.
func getActualFileSize(path string, info os.FileInfo) (int64, error) {
	pathPtr, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return info.Size(), nil
	}

	var high uint32
	low, _, _ := getCompressedSize.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(unsafe.Pointer(&high)),
	)
	if low == 0xFFFFFFFF { // INVALID_FILE_SIZE
		return info.Size(), nil
	}

	return int64(high)<<32 + int64(low), nil
}
