package spqrlog

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func BenchmarkGetPointer(b *testing.B) {
	num := 10
	for i := 0; i < b.N; i++ {
		_ = GetPointer(&num)
	}
}

type migration struct {
	Tablet int
}

func TestGetPointer(t *testing.T) {
	tests := []any{true, 123, "tablet", migration{Tablet: 7}}
	for _, test := range tests {
		expected := fmt.Sprintf("%p", &test)

		result := GetPointer(&test)

		assert.Equal(t, expected, fmt.Sprintf("0x%x", result))
	}
}

func TestNewWriterCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmgr.log")

	f, w, err := newWriter(path)
	require.NoError(t, err)
	defer f.Close()

	assert.NotNil(t, w)
	assert.FileExists(t, path)
}
