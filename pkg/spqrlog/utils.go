package spqrlog

import (
	"io"
	"os"
	"reflect"
)

// GetPointer returns the memory address of the given value as an unsigned integer.
// Cheaper than fmt.Sprintf("%p", v) on hot debug paths.
func GetPointer(value any) uint {
	ptr := reflect.ValueOf(value).Pointer()
	return uint(uintptr(ptr))
}

// newWriter opens the file at filepath in append mode, creating it when
// missing. An empty filepath means stdout.
func newWriter(filepath string) (*os.File, io.Writer, error) {
	if filepath == "" {
		return nil, os.Stdout, nil
	}
	f, err := os.OpenFile(filepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}
