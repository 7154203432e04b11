package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv/v2"
	"github.com/ledongthuc/pdf"
)

type DocumentParser interface {
	Parse(ctx context.Context, name string, data []byte) (*ParsedDocument, error)
}

type ParsedDocument struct {
	Title string
	Text  string
}

func parserFor(format DocumentFormat) (DocumentParser, error) {
	switch format {
	case FormatText:
		return textParser{}, nil
	case FormatPDF:
		return pdfParser{}, nil
	case FormatOffice:
		return officeParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported document format")
	}
}

type textParser struct{}

func (textParser) Parse(_ context.Context, name string, data []byte) (*ParsedDocument, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("text document is not valid utf-8")
	}
	content := normalizePlainText(string(data))
	return &ParsedDocument{
		Title: ExtractTitle(content, baseName(name)),
		Text:  content,
	}, nil
}

type pdfParser struct{}

func (pdfParser) Parse(_ context.Context, name string, data []byte) (*ParsedDocument, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return nil, fmt.Errorf("read pdf text: %w", err)
	}

	content := normalizePlainText(buf.String())
	title := firstNonEmptyLine(content)
	if title == "" {
		title = baseName(name)
	}

	return &ParsedDocument{Title: title, Text: content}, nil
}

type officeParser struct{}

func (officeParser) Parse(_ context.Context, name string, data []byte) (*ParsedDocument, error) {
	mimeType := docconv.MimeTypeByExtension(name)
	res, err := docconv.Convert(bytes.NewReader(data), mimeType, true)
	if err != nil {
		return nil, fmt.Errorf("convert %s document: %w", mimeType, err)
	}

	content := normalizePlainText(res.Body)
	title := firstNonEmptyLine(content)
	if title == "" {
		title = baseName(name)
	}

	return &ParsedDocument{Title: title, Text: content}, nil
}

// ExtractTitle returns the first Markdown heading or fallback.
func ExtractTitle(content, fallback string) string {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return fallback
}

func baseName(name string) string {
	return strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstNonEmptyLine(content string) string {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
