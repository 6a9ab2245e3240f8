package ingest

import (
	"bytes"
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/kadirpekel/warden/pkg/protocol"
)

// maxRowsPerSheet keeps pathological spreadsheets from flooding memory.
const maxRowsPerSheet = 1000

func extractText(filename string, data []byte) (string, string, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".pdf":
		text, err := extractPDF(data)
		return text, "pdf", err
	case ".docx":
		text, err := extractDocx(data)
		return text, "docx", err
	case ".xlsx":
		text, err := extractXlsx(data)
		return text, "xlsx", err
	case ".txt", ".md", ".markdown":
		if !utf8.Valid(data) {
			return "", "", protocol.NewError(protocol.CodeValidation, "Document is not valid UTF-8 text")
		}
		return string(data), "text", nil
	default:
		return "", "", protocol.Errorf(protocol.CodeValidation, "Unsupported document format %q", ext)
	}
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse PDF: %w", err)
	}

	var pages []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		// Pages whose text layer cannot be decoded are skipped rather
		// than failing the whole document.
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

var xmlTagPattern = regexp.MustCompile(`<[^>]+>`)

func extractDocx(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse DOCX: %w", err)
	}
	defer doc.Close()

	// GetContent returns the raw document.xml markup; paragraph ends
	// become newlines and the remaining tags are stripped.
	raw := doc.Editable().GetContent()
	raw = strings.ReplaceAll(raw, "</w:p>", "\n")
	return html.UnescapeString(xmlTagPattern.ReplaceAllString(raw, "")), nil
}

func extractXlsx(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse XLSX: %w", err)
	}
	defer f.Close()

	var sections []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		var b strings.Builder
		b.WriteString("Sheet: " + sheet)
		count := 0
		for _, row := range rows {
			if count >= maxRowsPerSheet {
				break
			}
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line == "" {
				continue
			}
			b.WriteByte('\n')
			b.WriteString(line)
			count++
		}
		if count > 0 {
			sections = append(sections, b.String())
		}
	}
	return strings.Join(sections, "\n\n"), nil
}
