package session

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/events"
	"github.com/ethank2222/TriniTeam/internal/model"
	"github.com/ethank2222/TriniTeam/internal/monitor"
	"github.com/ethank2222/TriniTeam/internal/scheduler"
	"github.com/ethank2222/TriniTeam/internal/storage"
	"github.com/ethank2222/TriniTeam/internal/testutil"
)

const (
	validDescription = "Build a small notes application with a Flask API"

	plan = "```json\n" + `{"tasks": [
    {"agent": "Developer1", "description": "Write the Flask backend service", "priority": 5}
]}` + "\n```\nTASK COMPLETED"
)

type fakeExporter struct {
	projectID string
	files     int
	err       error
}

func (e *fakeExporter) Export(_ context.Context, projectID string, store *storage.ArtifactStore) (string, error) {
	e.projectID = projectID
	e.files = store.Len()
	if e.err != nil {
		return "", e.err
	}
	return storage.ArchiveKey(projectID), nil
}

type managerFixture struct {
	manager   *Manager
	artifacts *storage.ArtifactStore
	metrics   *monitor.Metrics
}

func newManagerFixture(t *testing.T, responder testutil.Responder, tick time.Duration, opts ...Option) *managerFixture {
	t.Helper()
	logger := zap.NewNop()

	roster, err := scheduler.NewAgentRoster(model.DefaultRoster(), logger)
	require.NoError(t, err)
	graph := scheduler.NewTaskGraph(nil, logger)
	artifacts := storage.NewArtifactStore(logger)

	bus := events.NewEventBus()
	metrics := monitor.NewMetrics(0, func(context.Context) (float64, float64, error) { return 1, 2, nil }, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go metrics.Run(ctx, bus.SubscribeAll(0))

	cfg := scheduler.DefaultConfig()
	cfg.TickInterval = tick
	s := scheduler.New(cfg, graph, roster, testutil.NewScriptedClient(responder), artifacts, bus, logger)

	m := NewManager(s, artifacts, metrics, logger, opts...)
	t.Cleanup(func() {
		_ = m.Reset()
		cancel()
		bus.Close()
	})
	return &managerFixture{manager: m, artifacts: artifacts, metrics: metrics}
}

func idle() testutil.Responder {
	return testutil.Route(nil, "")
}

func TestManagerValidation(t *testing.T) {
	f := newManagerFixture(t, idle(), time.Hour)

	cases := []struct {
		name        string
		description string
	}{
		{"Empty", ""},
		{"Whitespace", "     \n\t "},
		{"Too Short", "todo app"},
		{"Too Long", strings.Repeat("a", MaxDescriptionLength+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.StartProject(context.Background(), tc.description)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "description", verr.Field)

			status := f.manager.Status()
			assert.Equal(t, model.ProjectStatusIdle, status.State)
			assert.Zero(t, status.Tasks.Total())
		})
	}

	t.Run("Boundaries Accepted", func(t *testing.T) {
		_, err := f.manager.StartProject(context.Background(), strings.Repeat("é", MinDescriptionLength))
		require.NoError(t, err)
		require.NoError(t, f.manager.Reset())

		_, err = f.manager.StartProject(context.Background(), strings.Repeat("a", MaxDescriptionLength))
		require.NoError(t, err)
	})
}

func TestManagerLifecycle(t *testing.T) {
	t.Run("Start Status Stop", func(t *testing.T) {
		exporter := &fakeExporter{}
		f := newManagerFixture(t, idle(), time.Hour, WithExporter(exporter))

		project, err := f.manager.StartProject(context.Background(), "  "+validDescription+"  ")
		require.NoError(t, err)
		assert.Equal(t, validDescription, project.Description)

		status := f.manager.Status()
		assert.Equal(t, model.ProjectStatusRunning, status.State)
		assert.True(t, status.Running)
		assert.Equal(t, 1, status.Tasks.Pending)
		assert.Len(t, status.Agents, 4)
		assert.Len(t, f.manager.Agents(), 4)
		assert.Len(t, f.manager.Tasks(), 1)

		_, err = f.manager.StartProject(context.Background(), validDescription)
		assert.ErrorIs(t, err, scheduler.ErrProjectRunning)

		res, err := f.manager.StopProject(context.Background())
		require.NoError(t, err)
		assert.Equal(t, model.ProjectStatusCompleted, res.Project.Status)
		assert.Equal(t, len(scheduler.DefaultArtifacts(validDescription)), res.Files)
		assert.Equal(t, storage.ArchiveKey(project.ID), res.ArchiveKey)
		assert.Equal(t, project.ID, exporter.projectID)
		assert.Equal(t, res.Files, exporter.files)
	})

	t.Run("Export Failure Is Not Fatal", func(t *testing.T) {
		exporter := &fakeExporter{err: errors.New("bucket gone")}
		f := newManagerFixture(t, idle(), time.Hour, WithExporter(exporter))
		_, err := f.manager.StartProject(context.Background(), validDescription)
		require.NoError(t, err)

		res, err := f.manager.StopProject(context.Background())
		require.NoError(t, err)
		assert.Empty(t, res.ArchiveKey)
	})

	t.Run("Stop Without Project", func(t *testing.T) {
		f := newManagerFixture(t, idle(), time.Hour)
		_, err := f.manager.StopProject(context.Background())
		assert.ErrorIs(t, err, scheduler.ErrNoProject)
	})

	t.Run("Artifacts", func(t *testing.T) {
		f := newManagerFixture(t, idle(), time.Hour)
		require.NoError(t, f.artifacts.Put("app.py", "print('hi')\n"))

		infos := f.manager.ListArtifacts()
		require.Len(t, infos, 1)
		assert.Equal(t, "app.py", infos[0].Name)
		assert.Equal(t, "python", infos[0].Type)

		content, err := f.manager.GetArtifact("app.py")
		require.NoError(t, err)
		assert.Equal(t, "print('hi')\n", content)

		_, err = f.manager.GetArtifact("missing.py")
		assert.ErrorIs(t, err, storage.ErrArtifactNotFound)

		var buf bytes.Buffer
		require.NoError(t, f.manager.Archive(&buf))
		zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
		require.NoError(t, err)
		require.Len(t, zr.File, 1)
		assert.Equal(t, "app.py", zr.File[0].Name)
	})

	t.Run("Reset", func(t *testing.T) {
		f := newManagerFixture(t, idle(), time.Hour)
		_, err := f.manager.StartProject(context.Background(), validDescription)
		require.NoError(t, err)
		require.NoError(t, f.artifacts.Put("app.py", "print('hi')"))

		require.NoError(t, f.manager.Reset())

		status := f.manager.Status()
		assert.Equal(t, model.ProjectStatusIdle, status.State)
		assert.Zero(t, status.ArtifactCount)
		assert.Nil(t, f.manager.Project())
		assert.Empty(t, f.manager.Messages())
		assert.Zero(t, f.manager.Metrics().APICalls)
	})
}

func TestManagerRunsProject(t *testing.T) {
	f := newManagerFixture(t, testutil.Route(map[string]string{
		"PROJECT PLANNING":       plan,
		"REVIEW TASK COMPLETION": "Looks right. TASK COMPLETED",
		"FINAL PROJECT REVIEW":   "Everything is in place. PROJECT COMPLETED",
	}, "```filename: app.py\nfrom flask import Flask\napp = Flask(__name__)\n```\nTASK COMPLETED"), 10*time.Millisecond)

	_, err := f.manager.StartProject(context.Background(), validDescription)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.manager.Status().State == model.ProjectStatusReviewed
	}, 10*time.Second, 20*time.Millisecond)

	status := f.manager.Status()
	assert.Equal(t, 4, status.Tasks.Completed)
	assert.Equal(t, 1, status.ArtifactCount)
	assert.NotEmpty(t, f.manager.Messages())

	assert.Eventually(t, func() bool {
		m := f.manager.Metrics()
		return m.APICalls == 4 && m.TasksProcessed == 4 && m.FilesCreated == 1
	}, 5*time.Second, 20*time.Millisecond)

	res, err := f.manager.StopProject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
}
