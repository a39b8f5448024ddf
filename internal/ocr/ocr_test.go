package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/risk-analyzer/internal/config"
	"github.com/sells-group/risk-analyzer/internal/ocr/ocrtest"
	"github.com/sells-group/risk-analyzer/internal/resilience"
)

func TestNewExtractor_NativeDefault(t *testing.T) {
	ext, err := NewExtractor(config.ExtractConfig{})
	require.NoError(t, err)
	assert.IsType(t, &Native{}, ext)
}

func TestNewExtractor_PdfToText(t *testing.T) {
	ext, err := NewExtractor(config.ExtractConfig{Provider: "pdftotext", PdfToTextPath: "/usr/bin/pdftotext"})
	require.NoError(t, err)
	assert.IsType(t, &PdfToText{}, ext)
}

func TestNewExtractor_MistralMissingKey(t *testing.T) {
	_, err := NewExtractor(config.ExtractConfig{Provider: "mistral"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral provider requires mistral_api_key")
}

func TestNewExtractor_MistralWithKey(t *testing.T) {
	ext, err := NewExtractor(config.ExtractConfig{Provider: "mistral", MistralKey: "test-key"})
	require.NoError(t, err)
	assert.IsType(t, &MistralOCR{}, ext)
}

func TestNewExtractor_UnknownProvider(t *testing.T) {
	_, err := NewExtractor(config.ExtractConfig{Provider: "unknown"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "unknown"`)
}

func TestNative_ExtractPages(t *testing.T) {
	data := ocrtest.PDF("Clause 1 text", "Clause 2 text")

	pages, err := NewNative().ExtractPages(context.Background(), "contract.pdf", data)
	require.NoError(t, err)
	require.Len(t, pages, 2)

	assert.Equal(t, 1, pages[0].Number)
	assert.Equal(t, "Clause 1 text", pages[0].Text)
	assert.NoError(t, pages[0].Err)
	assert.Equal(t, 2, pages[1].Number)
	assert.Equal(t, "Clause 2 text", pages[1].Text)
}

func TestNative_NotAPDF(t *testing.T) {
	_, err := NewNative().ExtractPages(context.Background(), "notes.pdf", []byte("just some text, definitely not a pdf document at all, padded out past one hundred bytes........"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notes.pdf")
}

func TestNative_Empty(t *testing.T) {
	_, err := NewNative().ExtractPages(context.Background(), "empty.pdf", nil)
	require.Error(t, err)
}

func TestNative_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewNative().ExtractPages(ctx, "contract.pdf", ocrtest.PDF("a"))
	require.Error(t, err)
}

func TestJoinPages(t *testing.T) {
	pages := []Page{
		{Number: 1, Text: "First"},
		{Number: 2, Err: errors.New("broken")},
		{Number: 3, Text: "Third"},
	}
	assert.Equal(t, "\n--- Página 1 ---\nFirst\n\n--- Página 3 ---\nThird\n", JoinPages(pages))
	assert.Len(t, Failed(pages), 1)
	assert.Equal(t, 2, Failed(pages)[0].Number)
}

func TestJoinPages_NoText(t *testing.T) {
	assert.Equal(t, "", JoinPages(nil))
	assert.Equal(t, "", JoinPages([]Page{{Number: 1, Text: "  "}, {Number: 2, Err: errors.New("x")}}))
}

func TestPdfToText_BinPath(t *testing.T) {
	p := NewPdfToText("")
	assert.Equal(t, "pdftotext", p.binPath)

	p = NewPdfToText("/custom/pdftotext")
	assert.Equal(t, "/custom/pdftotext", p.binPath)
}

func TestPdfToText_BinaryNotFound(t *testing.T) {
	p := NewPdfToText("/nonexistent/pdftotext")
	_, err := p.ExtractPages(context.Background(), "a.pdf", []byte("%PDF-1.4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pdftotext failed")
}

func TestPdfToText_SplitsPages(t *testing.T) {
	// Fake pdftotext that prints two pages separated by form feeds.
	tmpDir := t.TempDir()
	fakeBin := filepath.Join(tmpDir, "pdftotext")
	script := "#!/bin/sh\nprintf 'Page one\\fPage two\\f'\n"
	require.NoError(t, os.WriteFile(fakeBin, []byte(script), 0755))

	pages, err := NewPdfToText(fakeBin).ExtractPages(context.Background(), "a.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, Page{Number: 1, Text: "Page one"}, pages[0])
	assert.Equal(t, Page{Number: 2, Text: "Page two"}, pages[1])
}

func TestSplitFormFeeds_NoTrailingFeed(t *testing.T) {
	pages := splitFormFeeds("only page")
	require.Len(t, pages, 1)
	assert.Equal(t, "only page", pages[0].Text)
}

func testMistral(url string) *MistralOCR {
	m := NewMistralOCR("test-key", "test-model")
	m.endpoint = url
	m.retry = resilience.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond}
	return m
}

func TestMistralOCR_DefaultModel(t *testing.T) {
	m := NewMistralOCR("key", "")
	assert.Equal(t, defaultMistralModel, m.model)
	assert.Equal(t, mistralOCREndpoint, m.endpoint)
}

func TestMistralOCR_ExtractPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req mistralOCRRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "document_url", req.Document.Type)
		assert.Contains(t, req.Document.DocumentURL, "data:application/pdf;base64,")

		resp := mistralOCRResponse{
			Pages: []mistralOCRPage{
				{Index: 1, Markdown: "Page two content"},
				{Index: 0, Markdown: "Page one content"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	defer srv.Close()

	pages, err := testMistral(srv.URL).ExtractPages(context.Background(), "scan.pdf", []byte("%PDF-1.4 test"))
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, Page{Number: 1, Text: "Page one content"}, pages[0])
	assert.Equal(t, Page{Number: 2, Text: "Page two content"}, pages[1])
}

func TestMistralOCR_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer srv.Close()

	_, err := testMistral(srv.URL).ExtractPages(context.Background(), "scan.pdf", []byte("%PDF"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral API returned 401")
}

func TestMistralOCR_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(mistralOCRResponse{Pages: []mistralOCRPage{{Index: 0, Markdown: "ok"}}}) //nolint:errcheck
	}))
	defer srv.Close()

	pages, err := testMistral(srv.URL).ExtractPages(context.Background(), "scan.pdf", []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, pages, 1)
	assert.Equal(t, "ok", pages[0].Text)
}

func TestMistralOCR_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{invalid json`))
	}))
	defer srv.Close()

	_, err := testMistral(srv.URL).ExtractPages(context.Background(), "scan.pdf", []byte("%PDF"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal mistral response")
}

func TestNative_CountPages(t *testing.T) {
	n, err := NewNative().CountPages("contract.pdf", ocrtest.PDF("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = NewNative().CountPages("bad.pdf", []byte("nope"))
	assert.Error(t, err)
}
