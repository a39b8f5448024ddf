package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/risk-analyzer/internal/config"
	"github.com/sells-group/risk-analyzer/internal/docctx"
	"github.com/sells-group/risk-analyzer/internal/model"
	"github.com/sells-group/risk-analyzer/internal/ocr"
	"github.com/sells-group/risk-analyzer/internal/ocr/ocrtest"
	"github.com/sells-group/risk-analyzer/internal/resilience"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string  { return "mock" }
func (m *mockProvider) Model() string { return "mock-1" }

func (m *mockProvider) Ask(ctx context.Context, call Call) (string, error) {
	args := m.Called(ctx, call)
	return args.String(0), args.Error(1)
}

func withAttachments(call Call) bool { return len(call.Attachments) > 0 }
func textOnly(call Call) bool        { return len(call.Attachments) == 0 }

func buildBundle(t *testing.T, docs ...docctx.Document) *docctx.Bundle {
	t.Helper()
	b, err := docctx.NewBuilder(ocr.NewNative()).Build(context.Background(), docs)
	require.NoError(t, err)
	return b
}

func contractBundle(t *testing.T) *docctx.Bundle {
	return buildBundle(t,
		docctx.Document{Name: "contrato.pdf", Data: ocrtest.PDF("Clause 1 text", "Clause 2 text")},
		docctx.Document{Name: "anexo.pdf", Data: ocrtest.PDF("Annex text")},
	)
}

var question = model.Question{Text: "Termination?", Section: "Terminación"}

func TestInvoke_AttachmentMode(t *testing.T) {
	p := &mockProvider{}
	p.On("Ask", mock.Anything, mock.MatchedBy(withAttachments)).
		Return("The contract allows unilateral termination.\nRISK: HIGH", nil).Once()

	a := New(p, Options{})
	ans := a.Invoke(context.Background(), question, contractBundle(t), true)

	assert.Equal(t, ModeAttachments, ans.Mode)
	assert.Equal(t, model.RiskHigh, ans.Risk)
	assert.Equal(t, "The contract allows unilateral termination.", ans.Text)

	call := p.Calls[0].Arguments.Get(1).(Call)
	require.Len(t, call.Attachments, 2)
	assert.Equal(t, "contrato.pdf", call.Attachments[0].Name)
	assert.Equal(t, "anexo.pdf", call.Attachments[1].Name)
	assert.Equal(t, SystemPrompt, call.System)
	assert.Contains(t, call.Prompt, "Section: Terminación\nQuestion: Termination?")
	p.AssertExpectations(t)
}

func TestInvoke_AttachmentFailureFallsBackToText(t *testing.T) {
	p := &mockProvider{}
	p.On("Ask", mock.Anything, mock.MatchedBy(withAttachments)).
		Return("", errors.New("document too large")).Once()
	p.On("Ask", mock.Anything, mock.MatchedBy(textOnly)).
		Return("Penalties are standard.\nRIESGO: BAJO", nil).Once()

	ans := New(p, Options{}).Invoke(context.Background(), question, contractBundle(t), true)

	assert.Equal(t, ModeText, ans.Mode)
	assert.Equal(t, model.RiskLow, ans.Risk)
	assert.Equal(t, "Penalties are standard.", ans.Text)

	call := p.Calls[1].Arguments.Get(1).(Call)
	assert.Contains(t, call.Prompt, "Document to analyze:\n--- Página 1 ---\nClause 1 text")
	assert.Contains(t, call.Prompt, "Clause 2 text")
	assert.Contains(t, call.Prompt, "Annex text")
	p.AssertExpectations(t)
}

func TestInvoke_EmptyAttachmentAnswerFallsBack(t *testing.T) {
	p := &mockProvider{}
	p.On("Ask", mock.Anything, mock.MatchedBy(withAttachments)).Return("   ", nil).Once()
	p.On("Ask", mock.Anything, mock.MatchedBy(textOnly)).Return("Fine.", nil).Once()

	ans := New(p, Options{}).Invoke(context.Background(), question, contractBundle(t), true)
	assert.Equal(t, ModeText, ans.Mode)
	assert.Equal(t, model.RiskMedium, ans.Risk)
	p.AssertExpectations(t)
}

func TestInvoke_AttachmentsDisabled(t *testing.T) {
	p := &mockProvider{}
	p.On("Ask", mock.Anything, mock.MatchedBy(textOnly)).Return("ok\nRISK: LOW", nil).Once()

	ans := New(p, Options{}).Invoke(context.Background(), question, contractBundle(t), false)
	assert.Equal(t, ModeText, ans.Mode)
	p.AssertExpectations(t)
}

func TestInvoke_TextDocumentsOnly(t *testing.T) {
	p := &mockProvider{}
	p.On("Ask", mock.Anything, mock.MatchedBy(textOnly)).Return("ok\nRISK: NOT EVALUATED", nil).Once()

	b := buildBundle(t, docctx.Document{Name: "contrato.txt", Data: []byte("La parte A podrá rescindir.")})
	ans := New(p, Options{}).Invoke(context.Background(), question, b, true)

	assert.Equal(t, ModeText, ans.Mode)
	assert.Equal(t, model.RiskUnevaluated, ans.Risk)
	call := p.Calls[0].Arguments.Get(1).(Call)
	assert.Contains(t, call.Prompt, "La parte A podrá rescindir.")
}

func TestInvoke_NoContext(t *testing.T) {
	p := &mockProvider{}
	b := buildBundle(t)

	ans := New(p, Options{}).Invoke(context.Background(), question, b, true)
	assert.Equal(t, NoContextAnswer, ans.Text)
	assert.Equal(t, model.RiskHigh, ans.Risk)
	assert.Equal(t, ModeNone, ans.Mode)
	p.AssertNotCalled(t, "Ask", mock.Anything, mock.Anything)
}

func TestInvoke_NoProvider(t *testing.T) {
	a := New(nil, Options{})
	ans := a.Invoke(context.Background(), question, contractBundle(t), true)
	assert.Equal(t, NoProviderAnswer, ans.Text)
	assert.Equal(t, model.RiskHigh, ans.Risk)
	assert.Empty(t, a.Provider())
	assert.Empty(t, a.Model())
}

func TestInvoke_BothAttemptsFail(t *testing.T) {
	p := &mockProvider{}
	p.On("Ask", mock.Anything, mock.Anything).Return("", errors.New("401 unauthorized")).Twice()

	ans := New(p, Options{BreakerThreshold: 10}).Invoke(context.Background(), question, contractBundle(t), true)
	assert.Equal(t, model.RiskHigh, ans.Risk)
	assert.Contains(t, ans.Text, "Error al procesar la pregunta")
	assert.Contains(t, ans.Text, "401 unauthorized")
	p.AssertNumberOfCalls(t, "Ask", 2)
}

func TestInvoke_BreakerOpenStopsCalls(t *testing.T) {
	p := &mockProvider{}
	p.On("Ask", mock.Anything, mock.Anything).Return("", errors.New("boom"))

	a := New(p, Options{BreakerThreshold: 2, BreakerCooldown: time.Hour})
	b := contractBundle(t)

	first := a.Invoke(context.Background(), question, b, true)
	assert.Equal(t, model.RiskHigh, first.Risk)
	p.AssertNumberOfCalls(t, "Ask", 2)

	second := a.Invoke(context.Background(), question, b, true)
	assert.Equal(t, model.RiskHigh, second.Risk)
	assert.Contains(t, second.Text, "circuit breaker is open")
	p.AssertNumberOfCalls(t, "Ask", 2)
	assert.Equal(t, resilience.BreakerOpen, a.breaker.State())
}

func TestInvoke_CallTimeout(t *testing.T) {
	p := &mockProvider{}
	p.On("Ask", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return("", context.DeadlineExceeded)

	a := New(p, Options{CallTimeout: 10 * time.Millisecond, BreakerThreshold: 10})
	ans := a.Invoke(context.Background(), question, contractBundle(t), true)

	assert.Equal(t, model.RiskHigh, ans.Risk)
	p.AssertNumberOfCalls(t, "Ask", 2)
}

func TestInvoke_CancelledContext(t *testing.T) {
	p := &mockProvider{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ans := New(p, Options{}).Invoke(ctx, question, contractBundle(t), true)
	assert.Equal(t, model.RiskHigh, ans.Risk)
	p.AssertNotCalled(t, "Ask", mock.Anything, mock.Anything)
}

func TestResolve(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.Order = []string{"anthropic", "gemini"}
	cfg.Anthropic.Model = "claude-sonnet-4-5-20250929"
	cfg.Gemini.Model = "gemini-2.5-flash"

	_, err := Resolve(cfg)
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Empty(t, Available(cfg))

	cfg.Gemini.Key = "g-key"
	p, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())
	assert.Equal(t, "gemini-2.5-flash", p.Model())

	cfg.Anthropic.Key = "a-key"
	p, err = Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, []string{"anthropic", "gemini"}, Available(cfg))

	cfg.Providers.Order = []string{"openai", "gemini"}
	p, err = Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())
}

func TestNewFromConfig_NoProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.Order = []string{"anthropic"}
	a := NewFromConfig(cfg)
	ans := a.Invoke(context.Background(), question, &docctx.Bundle{}, true)
	assert.Equal(t, NoProviderAnswer, ans.Text)
}
