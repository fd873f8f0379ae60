// Package files validates, stores and serves file transfers between users.
// Payloads move over plain HTTP next to the WebSocket relay; only the
// transfer record and a file_shared push touch the chat protocol.
package files

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxSize is the upload limit when none is configured.
const DefaultMaxSize int64 = 100 << 20

const maxStemLength = 100

// Categories.
const (
	CategoryImages    = "images"
	CategoryDocuments = "documents"
	CategoryAudio     = "audio"
	CategoryVideo     = "video"
	CategoryArchives  = "archives"
	CategoryCode      = "code"
	CategoryOther     = "other"
)

var categories = map[string]string{
	".jpg": CategoryImages, ".jpeg": CategoryImages, ".png": CategoryImages,
	".gif": CategoryImages, ".bmp": CategoryImages, ".webp": CategoryImages,
	".pdf": CategoryDocuments, ".doc": CategoryDocuments, ".docx": CategoryDocuments,
	".txt": CategoryDocuments, ".rtf": CategoryDocuments, ".odt": CategoryDocuments,
	".mp3": CategoryAudio, ".wav": CategoryAudio, ".ogg": CategoryAudio,
	".m4a": CategoryAudio, ".flac": CategoryAudio,
	".mp4": CategoryVideo, ".avi": CategoryVideo, ".mkv": CategoryVideo,
	".mov": CategoryVideo, ".webm": CategoryVideo,
	".zip": CategoryArchives, ".rar": CategoryArchives, ".7z": CategoryArchives,
	".tar": CategoryArchives, ".gz": CategoryArchives,
	".py": CategoryCode, ".js": CategoryCode, ".html": CategoryCode,
	".css": CategoryCode, ".json": CategoryCode, ".xml": CategoryCode, ".sql": CategoryCode,
}

var blockedExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".scr": true,
	".com": true, ".pif": true, ".vbs": true, ".jar": true,
}

// Detected content types refused regardless of the file name.
var blockedContent = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-msdownload",
	"application/x-elf",
	"application/x-executable",
	"application/x-mach-binary",
	"application/jar",
	"application/java-archive",
}

// Validation is the outcome of checking a file name and size.
type Validation struct {
	Valid     bool     `json:"valid"`
	Issues    []string `json:"issues,omitempty"`
	Category  string   `json:"category"`
	Extension string   `json:"extension"`
	MIMEType  string   `json:"file_type"`
}

// Validate checks size against maxSize and the extension against the
// blocklist, and derives the category and MIME type from the extension.
func Validate(name string, size, maxSize int64) Validation {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	ext := strings.ToLower(filepath.Ext(name))
	v := Validation{
		Valid:     true,
		Category:  CategoryOf(ext),
		Extension: ext,
		MIMEType:  mimeByExtension(ext),
	}

	if strings.TrimSpace(name) == "" {
		v.Valid = false
		v.Issues = append(v.Issues, "File name is required")
	}
	if size <= 0 {
		v.Valid = false
		v.Issues = append(v.Issues, "File is empty")
	}
	if size > maxSize {
		v.Valid = false
		v.Issues = append(v.Issues, fmt.Sprintf("File size (%.1fMB) exceeds maximum allowed size (%dMB)",
			float64(size)/(1<<20), maxSize>>20))
	}
	if blockedExtensions[ext] {
		v.Valid = false
		v.Issues = append(v.Issues, fmt.Sprintf("File type %s is not allowed for security reasons", ext))
	}
	return v
}

// CategoryOf maps a lower-case extension (with dot) to its category.
func CategoryOf(ext string) string {
	if c, ok := categories[ext]; ok {
		return c
	}
	return CategoryOther
}

// SafeName keeps only portable characters of the file stem and bounds its length.
func SafeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune("-_.() ", r):
			b.WriteRune(r)
		}
	}
	safe := strings.TrimSpace(b.String())
	if len(safe) > maxStemLength {
		safe = safe[:maxStemLength]
	}
	if safe == "" || safe == "." || safe == ".." {
		safe = "file"
	}
	return safe + strings.ToLower(ext)
}

// Sniff detects the content type of head and reports whether it is an
// executable format that must be refused.
func Sniff(head []byte) (string, bool) {
	detected := mimetype.Detect(head)
	for m := detected; m != nil; m = m.Parent() {
		for _, blocked := range blockedContent {
			if m.Is(blocked) {
				return detected.String(), true
			}
		}
	}
	return detected.String(), false
}

func mimeByExtension(ext string) string {
	if ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}
