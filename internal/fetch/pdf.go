package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/forageapi/forage/internal/models"
)

// PDFExtractor pulls page text out of PDF bodies. pdfcpu works on files,
// so extraction round-trips through a temp directory.
type PDFExtractor struct {
	logger *slog.Logger
}

func NewPDFExtractor(logger *slog.Logger) *PDFExtractor {
	return &PDFExtractor{logger: logger}
}

// Extract returns the concatenated page text and the page count.
// Encrypted or malformed documents fail as unsupported files.
func (p *PDFExtractor) Extract(ctx context.Context, data []byte) (string, int, error) {
	tempDir, err := os.MkdirTemp("", "forage-pdf-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	tempFile := filepath.Join(tempDir, "input.pdf")
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return "", 0, fmt.Errorf("write temp pdf: %w", err)
	}

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return "", 0, &Error{
			Code:    models.CodeUnsupportedFile,
			Message: "file is not a readable PDF",
			cause:   err,
		}
	}
	if pdfCtx.Encrypt != nil {
		return "", 0, &Error{
			Code:    models.CodeUnsupportedFile,
			Message: "encrypted PDFs are not supported",
		}
	}
	pageCount := pdfCtx.PageCount

	if err := ctx.Err(); err != nil {
		return "", 0, Classify(err, "")
	}

	outDir := filepath.Join(tempDir, "pages")
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return "", 0, fmt.Errorf("create extraction dir: %w", err)
	}
	if err := api.ExtractContentFile(tempFile, outDir, nil, model.NewDefaultConfiguration()); err != nil {
		return "", 0, &Error{
			Code:    models.CodeUnsupportedFile,
			Message: "PDF content extraction failed",
			cause:   err,
		}
	}

	var sb strings.Builder
	for page := 1; page <= pageCount; page++ {
		content, err := p.readPageContent(outDir, page)
		if err != nil {
			p.logger.Debug("pdf page unreadable", "page", page, "error", err)
			continue
		}
		if content == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(content)
	}

	return sb.String(), pageCount, nil
}

// readPageContent reads one extracted page, tolerating pdfcpu's output
// naming variants.
func (p *PDFExtractor) readPageContent(outDir string, page int) (string, error) {
	candidates := []string{
		filepath.Join(outDir, fmt.Sprintf("Content_page_%d.txt", page)),
		filepath.Join(outDir, fmt.Sprintf("Content_page_%d", page)),
		filepath.Join(outDir, fmt.Sprintf("input_Content_page_%d.txt", page)),
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err == nil {
			return extractTextFromPDFContent(string(data)), nil
		}
	}
	return "", fmt.Errorf("no content file for page %d", page)
}

// extractTextFromPDFContent pulls the literal strings out of a raw PDF
// content stream. Tj and TJ operators carry the text inside parentheses.
func extractTextFromPDFContent(content string) string {
	var sb strings.Builder
	depth := 0
	escaped := false
	for i := 0; i < len(content); i++ {
		c := content[i]
		if depth > 0 {
			if escaped {
				switch c {
				case 'n':
					sb.WriteByte('\n')
				case 't':
					sb.WriteByte('\t')
				case '(', ')', '\\':
					sb.WriteByte(c)
				}
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					sb.WriteByte(' ')
				}
			default:
				sb.WriteByte(c)
			}
			continue
		}
		if c == '(' {
			depth = 1
		}
	}
	return strings.TrimSpace(sb.String())
}
