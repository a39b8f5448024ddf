package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/risk-analyzer/internal/analyzer"
	"github.com/sells-group/risk-analyzer/internal/batch"
	"github.com/sells-group/risk-analyzer/internal/docctx"
	"github.com/sells-group/risk-analyzer/internal/docstore"
	"github.com/sells-group/risk-analyzer/internal/ocr"
	"github.com/sells-group/risk-analyzer/internal/progress"
	"github.com/sells-group/risk-analyzer/internal/resilience"
	"github.com/sells-group/risk-analyzer/internal/store"
)

// engineEnv holds the stores and the runner needed by the analyze, rerun,
// cancel and serve commands.
type engineEnv struct {
	Progress *progress.FileStore
	Docs     *docstore.Store
	Index    store.Index
	Adapter  *analyzer.Adapter
	Runner   *batch.Runner
}

// Close releases the index connection.
func (e *engineEnv) Close() {
	if e.Index != nil {
		if err := e.Index.Close(); err != nil {
			zap.L().Warn("close index", zap.Error(err))
		}
	}
}

// initEngine validates cfg for mode and wires the engine. Callers should
// defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	ps, err := progress.NewFileStore(cfg.Data.ProgressPath())
	if err != nil {
		return nil, err
	}
	ds, err := docstore.New(cfg.Data.DocumentsPath())
	if err != nil {
		return nil, err
	}

	ix, err := store.Open(ctx, cfg.Store)
	if err != nil {
		// The index only serves listings; runs go on without it.
		zap.L().Warn("index unavailable, listings will scan progress records",
			zap.String("driver", cfg.Store.Driver),
			zap.Error(err),
		)
		ix = store.Nop{}
	}

	ext, err := ocr.NewExtractor(cfg.Extract)
	if err != nil {
		ix.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "init extractor")
	}

	adapter := analyzer.NewFromConfig(cfg)
	runner := batch.NewRunner(ps, docctx.NewBuilder(ext), adapter,
		batch.WithIndex(ix),
		batch.WithDocuments(ds),
		batch.WithWritePolicy(writePolicy()),
	)

	return &engineEnv{
		Progress: ps,
		Docs:     ds,
		Index:    ix,
		Adapter:  adapter,
		Runner:   runner,
	}, nil
}

func writePolicy() resilience.Policy {
	attempts := cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 2
	}
	backoff := time.Duration(cfg.Retry.InitialBackoff) * time.Millisecond
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return resilience.WritePolicy(attempts, backoff)
}

// readDocuments loads local files in the given order.
func readDocuments(paths []string) ([]docctx.Document, error) {
	docs := make([]docctx.Document, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, eris.Wrapf(err, "read document %s", p)
		}
		docs = append(docs, docctx.Document{Name: filepath.Base(p), Data: data})
	}
	return docs, nil
}
