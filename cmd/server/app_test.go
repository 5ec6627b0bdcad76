package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/config"
	"github.com/ethank2222/TriniTeam/internal/model"
	"github.com/ethank2222/TriniTeam/internal/testutil"
)

const plan = "```json\n" + `{"tasks": [
    {"agent": "Developer1", "description": "Write the Flask backend service", "priority": 5}
]}` + "\n```\nTASK COMPLETED"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Scheduler.TickInterval = 10 * time.Millisecond
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.NATS.Enabled = true
	cfg.NATS.Embedded = true
	cfg.NATS.StoreDir = filepath.Join(dir, "jetstream")
	cfg.Metrics.SampleInterval = 0
	return cfg
}

func scriptedTeam() *testutil.ScriptedClient {
	return testutil.NewScriptedClient(testutil.Route(map[string]string{
		"PROJECT PLANNING":       plan,
		"REVIEW TASK COMPLETION": "Looks right. TASK COMPLETED",
		"FINAL PROJECT REVIEW":   "Everything is in place. PROJECT COMPLETED",
	}, "```filename: app.py\nfrom flask import Flask\napp = Flask(__name__)\n```\nTASK COMPLETED"))
}

func TestRunOnce(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, scriptedTeam(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.close)
	require.NotNil(t, a.publisher)
	require.NotNil(t, a.history)

	out := filepath.Join(t.TempDir(), "out")
	var buf bytes.Buffer
	err = a.runOnce(context.Background(), "Build a small notes application with a Flask API", 10*time.Second, out, &buf)
	require.NoError(t, err)

	var report runReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
	assert.Equal(t, model.ProjectStatusCompleted, report.Result.Project.Status)
	assert.NotNil(t, report.Result.Project.ReviewedAt, "the project was reviewed before it was stopped")
	assert.Equal(t, 4, report.Status.Tasks.Completed)
	assert.Equal(t, out, report.Out)
	require.Len(t, report.Files, 1)
	assert.Equal(t, "app.py", report.Files[0].Name)

	content, err := os.ReadFile(filepath.Join(out, "app.py"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "from flask import Flask")

	assert.Eventually(t, func() bool {
		n, err := a.history.Count(context.Background(), nil)
		return err == nil && n >= 4
	}, 5*time.Second, 20*time.Millisecond)

	jobs := a.housekeeper.ListJobs()
	assert.Len(t, jobs, 2)
}

func TestRunOnceRejectsShortDescription(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.Enabled = false
	a, err := newApp(cfg, scriptedTeam(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.close)

	var buf bytes.Buffer
	err = a.runOnce(context.Background(), "short", time.Second, "", &buf)
	assert.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestServeShutsDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.Enabled = false
	cfg.History.Enabled = false
	a, err := newApp(cfg, scriptedTeam(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestNewAppRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.Enabled = false
	cfg.History.CleanupSchedule = "not a schedule"

	_, err := newApp(cfg, scriptedTeam(), zap.NewNop())
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, dev := range []bool{true, false} {
		logger, err := newLogger(config.LogConfig{Development: dev})
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}
}

func TestWaitForReview(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.Enabled = false
	cfg.History.Enabled = false

	stalled := testutil.NewScriptedClient(testutil.Route(nil, "Still working through the plan"))
	a, err := newApp(cfg, stalled, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.start(ctx)
	_, err = a.session.StartProject(ctx, "Build a small notes application with a Flask API")
	require.NoError(t, err)

	t.Run("Returns On Cancel", func(t *testing.T) {
		waitCtx, stop := context.WithTimeout(ctx, 200*time.Millisecond)
		defer stop()
		assert.ErrorIs(t, a.waitForReview(waitCtx), context.DeadlineExceeded)
	})

	t.Run("Returns Once Stopped", func(t *testing.T) {
		_, err := a.session.StopProject(ctx)
		require.NoError(t, err)

		waitCtx, stop := context.WithTimeout(ctx, time.Second)
		defer stop()
		assert.NoError(t, a.waitForReview(waitCtx))
	})
}
