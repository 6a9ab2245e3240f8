package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/memory"
	"github.com/kadirpekel/warden/pkg/protocol"
)

func newTestIngestor(t *testing.T) (*Ingestor, *memory.Service) {
	t.Helper()
	svc := memory.NewService(nil, memory.NewMemoryStore(1000), nil, nil)
	ing := New(svc, config.IngestConfig{ChunkSize: 120, ChunkOverlap: 20, MaxFileSizeMB: 1})
	return ing, svc
}

func TestIngestTextRoundTrip(t *testing.T) {
	ing, svc := newTestIngestor(t)
	ctx := context.Background()

	content := strings.Join([]string{
		"# Incident runbook",
		"",
		"Check the gateway dashboards before paging anyone.",
		"Restart the ingress pods only after the database failover completes.",
		"Record every action taken in the incident channel.",
		"Escalate to the on-call lead after thirty minutes without progress.",
	}, "\n")

	res, err := ing.IngestBytes(ctx, "a1", "runbook.md", []byte(content), []string{"ops"})
	if err != nil {
		t.Fatalf("IngestBytes failed: %v", err)
	}
	if res.Format != "text" {
		t.Errorf("format = %q, want text", res.Format)
	}
	if res.Source != "runbook.md" {
		t.Errorf("source = %q, want runbook.md", res.Source)
	}
	if res.Bytes != int64(len(content)) {
		t.Errorf("bytes = %d, want %d", res.Bytes, len(content))
	}
	if res.Chunks < 2 {
		t.Fatalf("expected the runbook to split, got %d chunks", res.Chunks)
	}
	if len(res.MemoryIDs) != res.Chunks {
		t.Fatalf("memory ids = %d, chunks = %d", len(res.MemoryIDs), res.Chunks)
	}

	hits, err := svc.Search(ctx, "a1", "", memory.Filters{
		Kinds: []memory.Kind{memory.KindSemantic},
		Tags:  []string{"document:" + res.DocumentID},
		Limit: 50,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != res.Chunks {
		t.Fatalf("search by document tag found %d hits, want %d", len(hits), res.Chunks)
	}

	fact, err := svc.GetFact(ctx, "a1", res.MemoryIDs[0])
	if err != nil {
		t.Fatalf("GetFact failed: %v", err)
	}
	if fact.Category != "document" || fact.Kind != "text" || fact.Source != "runbook.md" {
		t.Errorf("fact metadata = %q/%q/%q", fact.Category, fact.Kind, fact.Source)
	}
	hasOps := false
	for _, tag := range fact.Tags {
		if tag == "ops" {
			hasOps = true
		}
	}
	if !hasOps {
		t.Errorf("caller tags not carried: %v", fact.Tags)
	}
}

func TestIngestValidation(t *testing.T) {
	ing, _ := newTestIngestor(t)
	ctx := context.Background()

	oversized := make([]byte, 1<<20+1)

	tests := []struct {
		name     string
		agentID  string
		filename string
		data     []byte
	}{
		{"missing agent", "", "notes.txt", []byte("hello")},
		{"missing filename", "a1", "", []byte("hello")},
		{"unsupported format", "a1", "payload.exe", []byte("MZ")},
		{"oversized", "a1", "dump.txt", oversized},
		{"no text", "a1", "blank.txt", []byte("   \n\t\n")},
		{"invalid utf8", "a1", "binary.txt", []byte{0xff, 0xfe, 0xfd}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ing.IngestBytes(ctx, tc.agentID, tc.filename, tc.data, nil)
			if protocol.CodeOf(err) != protocol.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestIngestFileMissing(t *testing.T) {
	ing, _ := newTestIngestor(t)
	_, err := ing.IngestFile(context.Background(), "a1", "/nonexistent/report.txt", nil)
	if protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIngestXlsx(t *testing.T) {
	f := excelize.NewFile()
	cells := map[string]string{
		"A1": "Region", "B1": "Revenue",
		"A2": "EMEA", "B2": "1200",
		"A3": "APAC", "B3": "950",
	}
	for cell, value := range cells {
		if err := f.SetCellValue("Sheet1", cell, value); err != nil {
			t.Fatalf("SetCellValue failed: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer failed: %v", err)
	}

	ing, svc := newTestIngestor(t)
	ctx := context.Background()

	res, err := ing.IngestBytes(ctx, "a1", "revenue.xlsx", buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("IngestBytes failed: %v", err)
	}
	if res.Format != "xlsx" {
		t.Errorf("format = %q, want xlsx", res.Format)
	}

	hits, err := svc.Search(ctx, "a1", "emea", memory.Filters{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected the EMEA row to be findable, got %d hits", len(hits))
	}
	if !strings.Contains(hits[0].Content, "EMEA\t1200") {
		t.Errorf("row not tab-joined: %q", hits[0].Content)
	}
	if !strings.Contains(hits[0].Content, "Sheet: Sheet1") {
		t.Errorf("sheet header missing: %q", hits[0].Content)
	}
}

func TestIngestDocx(t *testing.T) {
	ing, svc := newTestIngestor(t)
	ctx := context.Background()

	res, err := ing.IngestBytes(ctx, "a1", "summary.docx", buildDocx(t), nil)
	if err != nil {
		t.Fatalf("IngestBytes failed: %v", err)
	}
	if res.Format != "docx" {
		t.Errorf("format = %q, want docx", res.Format)
	}

	hits, err := svc.Search(ctx, "a1", "churn", memory.Filters{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected one hit, got %d", len(hits))
	}
	if !strings.Contains(hits[0].Content, "Quarterly revenue grew by twelve percent.") {
		t.Errorf("paragraph text not extracted: %q", hits[0].Content)
	}
	if strings.Contains(hits[0].Content, "<w:") {
		t.Errorf("markup leaked into content: %q", hits[0].Content)
	}
}

func TestIngestPdfRejectsGarbage(t *testing.T) {
	ing, _ := newTestIngestor(t)
	_, err := ing.IngestBytes(context.Background(), "a1", "broken.pdf", []byte("not a pdf at all"), nil)
	if err == nil {
		t.Fatal("expected a parse error")
	}
}

// buildDocx assembles the minimal OOXML archive the reader accepts:
// the document part plus its relationships part.
func buildDocx(t *testing.T) []byte {
	t.Helper()

	document := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>Quarterly revenue grew by twelve percent.</w:t></w:r></w:p><w:p><w:r><w:t>Churn stayed flat across all regions.</w:t></w:r></w:p></w:body></w:document>`
	rels := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range []struct{ name, body string }{
		{"word/document.xml", document},
		{"word/_rels/document.xml.rels", rels},
	} {
		w, err := zw.Create(entry.name)
		if err != nil {
			t.Fatalf("zip create failed: %v", err)
		}
		if _, err := w.Write([]byte(entry.body)); err != nil {
			t.Fatalf("zip write failed: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close failed: %v", err)
	}
	return buf.Bytes()
}
