package docctx

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/risk-analyzer/internal/ocr"
	"github.com/sells-group/risk-analyzer/internal/ocr/ocrtest"
)

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) ExtractPages(ctx context.Context, name string, data []byte) ([]ocr.Page, error) {
	args := m.Called(ctx, name, data)
	pages, _ := args.Get(0).([]ocr.Page)
	return pages, args.Error(1)
}

func makeDOCX(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write(body.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want Kind
	}{
		{"contrato.pdf", KindPDF},
		{"CONTRATO.PDF", KindPDF},
		{"anexo.docx", KindDOCX},
		{"notas.txt", KindText},
		{"readme.md", KindText},
		{"foto.png", KindUnknown},
		{"sin_extension", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.name))
		})
	}
	assert.Equal(t, "application/pdf", KindPDF.MediaType())
	assert.True(t, KindPDF.PageOriented())
	assert.False(t, KindText.PageOriented())
}

func TestDecodeText(t *testing.T) {
	assert.Equal(t, "Cláusula", DecodeText([]byte("Cláusula")))
	// UTF-8 BOM is dropped.
	assert.Equal(t, "hola", DecodeText(append([]byte{0xEF, 0xBB, 0xBF}, "hola"...)))
	// UTF-16LE with BOM.
	assert.Equal(t, "hi", DecodeText([]byte{0xFF, 0xFE, 'h', 0, 'i', 0}))
	// Invalid bytes are replaced, never fatal.
	assert.Equal(t, "a�b", DecodeText([]byte{'a', 0xFF, 'b'}))
}

func TestDocxText(t *testing.T) {
	text, err := docxText(makeDOCX(t, "Primera cláusula", "Segunda cláusula"))
	require.NoError(t, err)
	assert.Equal(t, "Primera cláusula\nSegunda cláusula", text)

	_, err = docxText([]byte("not a zip"))
	assert.Error(t, err)
}

func TestBuild_SinglePDFNative(t *testing.T) {
	data := ocrtest.PDF("Clause 1 text", "Clause 2 text")
	b := NewBuilder(ocr.NewNative())

	bundle, err := b.Build(context.Background(), []Document{{Name: "contrato.pdf", Data: data}})
	require.NoError(t, err)

	require.NotNil(t, bundle.Primary)
	assert.Equal(t, "contrato.pdf", bundle.Primary.Name)
	assert.Equal(t, "application/pdf", bundle.Primary.MediaType)
	assert.Equal(t, data, bundle.Primary.Data)
	assert.Empty(t, bundle.Secondary)
	assert.Equal(t, 2, bundle.TotalPages)
	assert.Empty(t, bundle.SecondaryText)
	assert.True(t, bundle.HasAttachments())

	// Text is extracted lazily.
	assert.Empty(t, bundle.Documents[0].Text)
	text := bundle.PrimaryText(context.Background())
	assert.Contains(t, text, "--- Página 1 ---\nClause 1 text")
	assert.Contains(t, text, "--- Página 2 ---\nClause 2 text")
	assert.Equal(t, text, bundle.Documents[0].Text)
	assert.Equal(t, strings.TrimSpace(text), bundle.InlineText(context.Background()))
}

func TestInlineText_NoPrimary(t *testing.T) {
	docs := []Document{
		{Name: "notas.txt", Data: []byte("Nota previa")},
		{Name: "anexo.docx", Data: makeDOCX(t, "Anexo uno")},
	}

	bundle, err := NewBuilder(ocr.NewNative()).Build(context.Background(), docs)
	require.NoError(t, err)

	assert.Nil(t, bundle.Primary)
	assert.Equal(t, "Nota previa\n\nAnexo uno", bundle.InlineText(context.Background()))
}

func TestBuild_PrimarySecondaryAndText(t *testing.T) {
	ext := &mockExtractor{}
	first := []byte("%PDF first")
	second := []byte("%PDF second")
	ext.On("ExtractPages", mock.Anything, "a.pdf", first).
		Return([]ocr.Page{{Number: 1, Text: "A1"}}, nil)
	ext.On("ExtractPages", mock.Anything, "b.pdf", second).
		Return([]ocr.Page{{Number: 1, Text: "B1"}, {Number: 2, Err: errors.New("bad page")}, {Number: 3, Text: "B3"}}, nil)

	docs := []Document{
		{Name: "notas.txt", Data: []byte("Nota previa")},
		{Name: "a.pdf", Data: first},
		{Name: "b.pdf", Data: second},
		{Name: "logo.png", Data: []byte{0x89, 'P', 'N', 'G'}},
	}

	bundle, err := NewBuilder(ext).Build(context.Background(), docs)
	require.NoError(t, err)

	require.NotNil(t, bundle.Primary)
	assert.Equal(t, "a.pdf", bundle.Primary.Name)
	require.Len(t, bundle.Secondary, 1)
	assert.Equal(t, "b.pdf", bundle.Secondary[0].Name)
	assert.Equal(t, 4, bundle.TotalPages)

	assert.Equal(t, "Nota previa\n\n--- Página 1 ---\nB1\n\n--- Página 3 ---\nB3", bundle.SecondaryText)

	inline := bundle.InlineText(context.Background())
	assert.Equal(t, "--- Página 1 ---\nA1\n\n"+bundle.SecondaryText, inline)

	require.Len(t, bundle.Documents, 4)
	assert.True(t, bundle.Documents[1].Primary)
	assert.Equal(t, KindUnknown, bundle.Documents[3].Kind)
	require.Len(t, bundle.Warnings, 1)
	assert.Contains(t, bundle.Warnings[0], "logo.png")

	atts := bundle.Attachments()
	require.Len(t, atts, 2)
	assert.Equal(t, "a.pdf", atts[0].Name)
	assert.Equal(t, "b.pdf", atts[1].Name)

	info := bundle.Info()
	assert.Equal(t, "pdf", info[1].Kind)
	assert.Equal(t, 3, info[2].Pages)
	ext.AssertExpectations(t)
}

func TestBuild_BrokenDocumentDoesNotAbort(t *testing.T) {
	ext := &mockExtractor{}
	ext.On("ExtractPages", mock.Anything, "roto.pdf", mock.Anything).Return(nil, errors.New("corrupt xref"))

	docs := []Document{
		{Name: "roto.pdf", Data: []byte("garbage")},
		{Name: "anexo.docx", Data: makeDOCX(t, "Anexo uno")},
		{Name: "malo.docx", Data: []byte("not a zip")},
	}
	bundle, err := NewBuilder(ext).Build(context.Background(), docs)
	require.NoError(t, err)

	// The broken PDF stays primary so attachment mode can still try it.
	require.NotNil(t, bundle.Primary)
	assert.Equal(t, "roto.pdf", bundle.Primary.Name)
	assert.Len(t, bundle.Warnings, 2)
	assert.Equal(t, "Anexo uno", bundle.SecondaryText)
	assert.Equal(t, "Anexo uno", bundle.InlineText(context.Background()))
}

func TestBuild_NoDocuments(t *testing.T) {
	bundle, err := NewBuilder(ocr.NewNative()).Build(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, bundle.Primary)
	assert.False(t, bundle.HasAttachments())
	assert.Empty(t, bundle.InlineText(context.Background()))
	assert.Equal(t, 0, bundle.TotalPages)
}

func TestBuild_TextOnlyUsesFallback(t *testing.T) {
	docs := []Document{
		{Name: "a.txt", Data: []byte("  primero  ")},
		{Name: "b.md", Data: []byte("segundo")},
	}
	bundle, err := NewBuilder(nil).Build(context.Background(), docs)
	require.NoError(t, err)
	assert.Nil(t, bundle.Primary)
	assert.Equal(t, "primero\n\nsegundo", bundle.InlineText(context.Background()))
}

func TestBuild_NativeCorruptPrimary(t *testing.T) {
	docs := []Document{{Name: "roto.pdf", Data: []byte("definitely not a pdf")}}
	bundle, err := NewBuilder(ocr.NewNative()).Build(context.Background(), docs)
	require.NoError(t, err)
	require.NotNil(t, bundle.Primary)
	assert.Len(t, bundle.Warnings, 1)
	assert.Empty(t, bundle.PrimaryText(context.Background()))
}

func TestBuild_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBuilder(nil).Build(ctx, []Document{{Name: "a.txt", Data: []byte("x")}})
	assert.Error(t, err)
}

func TestPrimaryText_ExtractsOnce(t *testing.T) {
	ext := &mockExtractor{}
	ext.On("ExtractPages", mock.Anything, "a.pdf", mock.Anything).
		Return([]ocr.Page{{Number: 1, Text: "uno"}}, nil).Once()

	bundle := &Bundle{
		Documents:  []DocInfo{{Name: "a.pdf", Kind: KindPDF}},
		Primary:    &Attachment{Name: "a.pdf", Data: []byte("%PDF")},
		extractor:  ext,
		primaryIdx: 0,
	}
	first := bundle.PrimaryText(context.Background())
	second := bundle.PrimaryText(context.Background())
	assert.Equal(t, first, second)
	ext.AssertNumberOfCalls(t, "ExtractPages", 1)
}
