package mimetype

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// DB is the file-typing collaborator the job store consumes. The
// concrete MIME database lives outside the core; Default provides a
// magic-number fallback good enough for spooling.
type DB interface {
	// Known reports whether super/sub is a registered type.
	Known(mediaType string) bool

	// Types returns every registered type, sorted, for
	// document-format-supported.
	Types() []string

	// TypeOf types the file at path, preferring content magic and
	// falling back to the optional name hint.
	TypeOf(path, name string) (string, error)
}

type builtin struct {
	known map[string]bool
}

// Default returns the built-in magic/extension typer.
func Default() DB {
	known := map[string]bool{
		"application/pdf":          true,
		"application/postscript":   true,
		"application/octet-stream": true,
		"application/vnd.cups-raw": true,
		"image/jpeg":               true,
		"image/png":                true,
		"image/pwg-raster":         true,
		"image/urf":                true,
		"text/plain":               true,
	}
	return &builtin{known: known}
}

func (b *builtin) Known(mediaType string) bool {
	return b.known[strings.ToLower(mediaType)]
}

func (b *builtin) Types() []string {
	out := make([]string, 0, len(b.known))
	for t := range b.known {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (b *builtin) TypeOf(path, name string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	buf = buf[:n]

	if t := sniff(buf); t != "" {
		return t, nil
	}
	if name == "" {
		name = path
	}
	if t := byExtension(name); t != "" {
		return t, nil
	}
	if utf8.Valid(buf) && !bytes.ContainsRune(buf, 0) {
		return "text/plain", nil
	}
	return "application/octet-stream", nil
}

func sniff(buf []byte) string {
	switch {
	case bytes.HasPrefix(buf, []byte("%PDF-")):
		return "application/pdf"
	case bytes.HasPrefix(buf, []byte("%!")):
		return "application/postscript"
	case bytes.HasPrefix(buf, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(buf, []byte{0xff, 0xd8, 0xff}):
		return "image/jpeg"
	case bytes.HasPrefix(buf, []byte("RaS2")), bytes.HasPrefix(buf, []byte("RaSt")):
		return "image/pwg-raster"
	case bytes.HasPrefix(buf, []byte("UNIRAST")):
		return "image/urf"
	}
	return ""
}

func byExtension(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".ps", ".eps":
		return "application/postscript"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".txt", ".text", ".log":
		return "text/plain"
	}
	return ""
}
