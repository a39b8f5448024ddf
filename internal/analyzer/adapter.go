// Package analyzer asks one question of the resolved model provider,
// preferring document attachments and falling back to inline text.
package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/risk-analyzer/internal/config"
	"github.com/sells-group/risk-analyzer/internal/docctx"
	"github.com/sells-group/risk-analyzer/internal/model"
	"github.com/sells-group/risk-analyzer/internal/resilience"
	"github.com/sells-group/risk-analyzer/internal/risk"
)

// Mode names the context style that produced an answer.
type Mode string

const (
	ModeAttachments Mode = "adjuntos"
	ModeText        Mode = "texto"
	ModeNone        Mode = "ninguno"
)

var (
	errEmptyAnswer = eris.New("analyzer: empty answer")
	errNoContext   = eris.New("analyzer: no usable context")
)

// Answer is the normalized result of one question.
type Answer struct {
	Text string
	Risk model.Risk
	Mode Mode
}

// Options tunes the adapter's call pacing and failure handling.
type Options struct {
	RequestsPerMinute int
	CallTimeout       time.Duration
	BreakerThreshold  int
	BreakerCooldown   time.Duration
}

// Adapter wraps one resolved Provider behind Invoke. The zero Provider is
// allowed and answers every question with NoProviderAnswer.
type Adapter struct {
	provider    Provider
	limiter     *rate.Limiter
	breaker     *resilience.Breaker
	callTimeout time.Duration
}

// New creates an Adapter around p.
func New(p Provider, opts Options) *Adapter {
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(opts.RequestsPerMinute) / 60.0)
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	name := "none"
	if p != nil {
		name = p.Name()
	}
	return &Adapter{
		provider:    p,
		limiter:     rate.NewLimiter(limit, 1),
		breaker:     resilience.NewBreaker(name, opts.BreakerThreshold, opts.BreakerCooldown),
		callTimeout: opts.CallTimeout,
	}
}

// NewFromConfig resolves the provider from cfg. A missing provider is logged
// and yields an adapter that answers with NoProviderAnswer.
func NewFromConfig(cfg *config.Config) *Adapter {
	p, err := Resolve(cfg)
	if err != nil {
		zap.L().Warn("analyzer: no provider resolved",
			zap.Strings("order", cfg.Providers.Order),
			zap.Error(err),
		)
	} else {
		zap.L().Info("analyzer: provider resolved",
			zap.String("provider", p.Name()),
			zap.String("model", p.Model()),
		)
	}
	return New(p, Options{
		RequestsPerMinute: cfg.Analysis.RequestsPerMinute,
		CallTimeout:       time.Duration(cfg.Analysis.CallTimeoutSecs) * time.Second,
		BreakerThreshold:  cfg.Analysis.BreakerThreshold,
	})
}

// Provider returns the resolved provider name, or "" when none resolved.
func (a *Adapter) Provider() string {
	if a.provider == nil {
		return ""
	}
	return a.provider.Name()
}

// Model returns the resolved model identifier, or "".
func (a *Adapter) Model() string {
	if a.provider == nil {
		return ""
	}
	return a.provider.Model()
}

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	// outcomeRetryable moves on to the next attempt.
	outcomeRetryable
	// outcomeFatal ends the attempt list.
	outcomeFatal
)

type outcome struct {
	kind       outcomeKind
	assessment risk.Assessment
	reason     error
}

type attempt struct {
	mode Mode
	run  func(ctx context.Context) outcome
}

// Invoke answers q against bundle. It never fails: provider errors, missing
// context and a missing provider all become High-risk explanatory answers.
func (a *Adapter) Invoke(ctx context.Context, q model.Question, bundle *docctx.Bundle, preferAttachments bool) Answer {
	if a.provider == nil {
		return Answer{Text: NoProviderAnswer, Risk: model.RiskHigh, Mode: ModeNone}
	}

	section := q.SectionOrDefault()
	log := zap.L().With(
		zap.String("provider", a.provider.Name()),
		zap.String("section", section),
	)

	var attempts []attempt
	if preferAttachments && bundle.HasAttachments() {
		attempts = append(attempts, attempt{mode: ModeAttachments, run: func(ctx context.Context) outcome {
			return a.ask(ctx, Call{
				System:      SystemPrompt,
				Prompt:      attachmentPrompt(section, q.Text),
				Attachments: bundle.Attachments(),
			})
		}})
	}
	attempts = append(attempts, attempt{mode: ModeText, run: func(ctx context.Context) outcome {
		text := bundle.InlineText(ctx)
		if strings.TrimSpace(text) == "" {
			return outcome{kind: outcomeFatal, reason: errNoContext}
		}
		return a.ask(ctx, Call{
			System: SystemPrompt,
			Prompt: textPrompt(section, q.Text, text),
		})
	}})

	var last error
	for _, at := range attempts {
		out := at.run(ctx)
		switch out.kind {
		case outcomeOK:
			if out.assessment.Conflicting {
				log.Warn("analyzer: conflicting risk markers, first one kept",
					zap.String("mode", string(at.mode)),
					zap.String("risk", string(out.assessment.Level)),
				)
			}
			return Answer{Text: out.assessment.Answer, Risk: out.assessment.Level, Mode: at.mode}
		case outcomeRetryable:
			log.Warn("analyzer: attempt failed, falling back",
				zap.String("mode", string(at.mode)),
				zap.Error(out.reason),
			)
			last = out.reason
			continue
		case outcomeFatal:
			last = out.reason
		}
		break
	}

	if eris.Is(last, errNoContext) {
		log.Warn("analyzer: no usable context for question")
		return Answer{Text: NoContextAnswer, Risk: model.RiskHigh, Mode: ModeNone}
	}
	log.Error("analyzer: question failed", zap.Error(last))
	return Answer{Text: fmt.Sprintf(failedAnswerFmt, last), Risk: model.RiskHigh, Mode: ModeNone}
}

func (a *Adapter) ask(ctx context.Context, call Call) outcome {
	if err := a.limiter.Wait(ctx); err != nil {
		return outcome{kind: outcomeFatal, reason: eris.Wrap(err, "analyzer: rate limiter")}
	}

	callCtx := ctx
	if a.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
	}

	raw, err := resilience.Call(callCtx, a.breaker, func(ctx context.Context) (string, error) {
		return a.provider.Ask(ctx, call)
	})
	switch {
	case err == nil && strings.TrimSpace(raw) == "":
		return outcome{kind: outcomeRetryable, reason: errEmptyAnswer}
	case err == nil:
		return outcome{kind: outcomeOK, assessment: risk.Normalize(raw)}
	case ctx.Err() != nil, eris.Is(err, resilience.ErrBreakerOpen):
		return outcome{kind: outcomeFatal, reason: err}
	default:
		return outcome{kind: outcomeRetryable, reason: err}
	}
}
