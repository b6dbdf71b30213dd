package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	_, ok := r.Last()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 5, last)

	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())
}

func TestValidatePartyID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  child-1 ", "child-1", false},
		{"", "", true},
		{"a b", "", true},
		{"a/b", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidatePartyID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolvePathAndWriteJSON(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "x.json"), ResolvePath(dir, "x.json"))
	assert.Equal(t, "/abs/x.json", ResolvePath(dir, "/abs/x.json"))

	path := filepath.Join(dir, "nested", "cfg.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))
}
