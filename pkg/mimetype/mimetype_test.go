package mimetype

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestTypeOf(t *testing.T) {
	db := Default()

	tests := []struct {
		name   string
		file   string
		data   []byte
		expect string
	}{
		{"pdf magic", "doc.bin", []byte("%PDF-1.7 ..."), "application/pdf"},
		{"postscript magic", "doc.bin", []byte("%!PS-Adobe-3.0\n"), "application/postscript"},
		{"png magic", "img.bin", []byte("\x89PNG\r\n\x1a\nrest"), "image/png"},
		{"extension fallback", "report.pdf", []byte{0x01, 0x02}, "application/pdf"},
		{"plain text", "notes.weird", []byte("hello world\n"), "text/plain"},
		{"binary fallback", "blob.weird", []byte{0x00, 0x01, 0x02, 0x00}, "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.data)
			got, err := db.TypeOf(path, "")
			require.NoError(t, err)
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestKnown(t *testing.T) {
	db := Default()
	assert.True(t, db.Known("application/pdf"))
	assert.True(t, db.Known("Application/PDF"))
	assert.False(t, db.Known("application/x-nonexistent"))
}
