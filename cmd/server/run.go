package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/events"
	"github.com/ethank2222/TriniTeam/internal/model"
	"github.com/ethank2222/TriniTeam/internal/session"
)

const (
	runPollInterval    = 500 * time.Millisecond
	projectEventBuffer = 16
)

var (
	runDescription string
	runTimeout     time.Duration
	runOut         string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one project to completion and write its files",
	Example: `  triniteam run --description "Build a todo app with a Flask API" --out ./todo
  triniteam run -d "Static landing page for a bakery" --timeout 10m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		client, err := newClient(cfg.Generation, logger)
		if err != nil {
			return err
		}
		a, err := newApp(cfg, client, logger)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.runOnce(ctx, runDescription, runTimeout, runOut, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringVarP(&runDescription, "description", "d", "", "project description")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "stop the project after this long")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "./output", "directory the produced files are written to")
	_ = runCmd.MarkFlagRequired("description")
}

type runReport struct {
	Result *session.StopResult       `json:"result"`
	Status model.ProjectStatusReport `json:"status"`
	Files  []model.ArtifactInfo      `json:"files"`
	Out    string                    `json:"out,omitempty"`
}

// runOnce starts a project, waits for its review or the timeout, stops it
// and writes the files to out
func (a *app) runOnce(ctx context.Context, description string, timeout time.Duration, out string, w io.Writer) error {
	a.start(ctx)

	project, err := a.session.StartProject(ctx, description)
	if err != nil {
		return err
	}
	a.logger.Info("Project started", zap.String("project_id", project.ID))

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := a.waitForReview(waitCtx); err != nil {
		a.logger.Warn("Project did not finish", zap.Error(err))
	}

	res, err := a.session.StopProject(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	report := runReport{
		Result: res,
		Status: a.session.Status(),
		Files:  a.session.ListArtifacts(),
	}
	if out != "" {
		if err := a.artifacts.WriteDir(out); err != nil {
			return fmt.Errorf("failed to write project files: %w", err)
		}
		report.Out = out
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// waitForReview returns once the project leaves Running. Project events
// wake it early; the ticker covers events dropped by a full subscription.
func (a *app) waitForReview(ctx context.Context) error {
	sub := a.bus.Subscribe(events.TopicProject, projectEventBuffer)
	defer a.bus.Unsubscribe(sub)

	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()

	for {
		if p := a.session.Project(); p != nil && p.Status != model.ProjectStatusRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub:
			if !ok {
				sub = nil
			}
		case <-ticker.C:
		}
	}
}
