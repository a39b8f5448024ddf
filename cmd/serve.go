package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/risk-analyzer/internal/analyzer"
	"github.com/sells-group/risk-analyzer/internal/model"
	"github.com/sells-group/risk-analyzer/internal/questions"
	"github.com/sells-group/risk-analyzer/internal/server"
	"github.com/sells-group/risk-analyzer/internal/task"
)

var (
	servePort     int
	serveDrainFor time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for uploads, polling and re-runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		tasks := task.NewManager(cfg.Analysis.MaxConcurrentBatches)
		srv := server.New(server.Deps{
			Config:   cfg,
			Progress: env.Progress,
			Docs:     env.Docs,
			Index:    env.Index,
			Runner:   env.Runner,
			Tasks:    tasks,
			Questions: func() ([]model.Question, error) {
				return questions.Load(cfg.Analysis.QuestionsPath)
			},
			Providers: analyzer.Available(cfg),
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown: stop accepting requests, then let running
		// batches finish their current question.
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serveDrainFor)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("http shutdown", zap.Error(err))
			}
			if err := tasks.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("batches still running at shutdown", zap.Strings("batch_ids", tasks.Active()), zap.Error(err))
			}
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.String("provider", env.Adapter.Provider()),
			zap.String("model", env.Adapter.Model()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		tasks.Wait()

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().DurationVar(&serveDrainFor, "drain", 30*time.Second, "how long to wait for running batches on shutdown")
	rootCmd.AddCommand(serveCmd)
}
