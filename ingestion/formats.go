// Package ingestion turns uploaded files into scored, embedded chunks in the vector index.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported document payload formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatText represents plain text and Markdown documents.
	FormatText DocumentFormat = "text"
	// FormatPDF represents PDF documents.
	FormatPDF DocumentFormat = "pdf"
	// FormatOffice represents word processor documents (docx, odt, rtf).
	FormatOffice DocumentFormat = "office"
)

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt", ".md", ".markdown":
		return FormatText
	case ".pdf":
		return FormatPDF
	case ".docx", ".odt", ".rtf":
		return FormatOffice
	default:
		return FormatUnknown
	}
}

// Supported reports whether path has an extension the service can parse.
func Supported(path string) bool {
	return DetectFormat(path) != FormatUnknown
}
