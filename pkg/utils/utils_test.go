package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for range 20 {
		code, err := GenerateCode(CodeLength)
		require.NoError(t, err)
		assert.True(t, IsValidCode(code), code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestIsValidCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"abcDEF12", true},
		{"abcDEF1", false},
		{"abcDEF123", false},
		{"abc-EF12", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidCode(tt.code), tt.code)
	}
}

func TestEncodeDecode(t *testing.T) {
	type sdp struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	in := sdp{Type: "offer", SDP: "v=0\r\n"}

	blob, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode[sdp](blob)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = Decode[sdp]("")
	assert.ErrorIs(t, err, ErrEmptyBlob)
	_, err = Decode[sdp]("not base64!")
	assert.Error(t, err)
}

func TestResolveDestinationDir(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	got, err := ResolveDestinationDir(root)
	require.NoError(t, err)
	assert.Equal(t, root, got)

	got, err = ResolveDestinationDir(filepath.Join(root, "new"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "new"), got)

	_, err = ResolveDestinationDir(file)
	assert.Error(t, err)
	_, err = ResolveDestinationDir(filepath.Join(root, "a", "b"))
	assert.Error(t, err)
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatFileSize(512))
	assert.Equal(t, "1.5 KiB", FormatFileSize(1536))
	assert.Equal(t, "2.0 MiB", FormatFileSize(2*1024*1024))
	assert.Equal(t, "100.0 GiB", FormatFileSize(100<<30))
}
