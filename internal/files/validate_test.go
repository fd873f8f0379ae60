package files

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		size      int64
		valid     bool
		category  string
		issueLike string
	}{
		{name: "image", file: "cat.PNG", size: 1024, valid: true, category: CategoryImages},
		{name: "document", file: "notes.txt", size: 10, valid: true, category: CategoryDocuments},
		{name: "unknown extension", file: "data.xyz", size: 10, valid: true, category: CategoryOther},
		{name: "no extension", file: "README", size: 10, valid: true, category: CategoryOther},
		{name: "empty", file: "a.txt", size: 0, valid: false, issueLike: "File is empty"},
		{name: "too large", file: "big.zip", size: 2 << 20, valid: false, issueLike: "exceeds maximum allowed size (1MB)"},
		{name: "executable", file: "setup.exe", size: 10, valid: false, issueLike: "File type .exe is not allowed"},
		{name: "jar upper case", file: "app.JAR", size: 10, valid: false, issueLike: "File type .jar is not allowed"},
		{name: "missing name", file: " ", size: 10, valid: false, issueLike: "File name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.file, tt.size, 1<<20)
			assert.Equal(t, tt.valid, v.Valid)
			if tt.category != "" {
				assert.Equal(t, tt.category, v.Category)
			}
			if tt.issueLike != "" {
				assert.Contains(t, strings.Join(v.Issues, "|"), tt.issueLike)
			}
		})
	}
}

func TestValidate_DefaultMaxSize(t *testing.T) {
	assert.True(t, Validate("a.bin", DefaultMaxSize, 0).Valid)
	assert.False(t, Validate("a.bin", DefaultMaxSize+1, 0).Valid)
}

func TestValidate_MIMEType(t *testing.T) {
	assert.Equal(t, "image/png", Validate("a.png", 1, 0).MIMEType)
	assert.Equal(t, "application/octet-stream", Validate("a.zzz", 1, 0).MIMEType)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "report (final).pdf", SafeName("report (final).PDF"))
	assert.Equal(t, "passwd", SafeName("../../etc/passwd"))
	assert.Equal(t, "evil.txt", SafeName(`C:\temp\evil.txt`))
	assert.Equal(t, "file.png", SafeName("☃☃.png"))
	assert.Equal(t, "abc.txt", SafeName("a<b>c.txt"))

	long := SafeName(strings.Repeat("x", 300) + ".txt")
	assert.Equal(t, strings.Repeat("x", 100)+".txt", long)
}

func TestSniff(t *testing.T) {
	detected, blocked := Sniff([]byte("hello, plain text"))
	assert.False(t, blocked)
	assert.Contains(t, detected, "text/plain")

	_, blocked = Sniff(append([]byte("\x7fELF"), make([]byte, 60)...))
	assert.True(t, blocked)

	_, blocked = Sniff(append([]byte("MZ"), make([]byte, 62)...))
	assert.True(t, blocked)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	detected, blocked = Sniff(png)
	assert.False(t, blocked)
	assert.Equal(t, "image/png", detected)
}
