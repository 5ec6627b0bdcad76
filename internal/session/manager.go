// Package session is the control surface of one TriniTeam session: it
// validates input and fronts the scheduler, the artifact store and the
// session metrics.
package session

import (
	"context"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/model"
	"github.com/ethank2222/TriniTeam/internal/monitor"
	"github.com/ethank2222/TriniTeam/internal/scheduler"
	"github.com/ethank2222/TriniTeam/internal/storage"
)

const defaultExportTimeout = time.Minute

// Exporter ships the artifacts of a stopped project somewhere durable
type Exporter interface {
	Export(ctx context.Context, projectID string, store *storage.ArtifactStore) (string, error)
}

// StopResult is what StopProject reports
type StopResult struct {
	Project    *model.Project `json:"project"`
	ArchiveKey string         `json:"archive_key,omitempty"`
	Files      int            `json:"files"`
}

// Manager implements the session operations. It is safe for concurrent use.
type Manager struct {
	logger        *zap.Logger
	scheduler     *scheduler.Scheduler
	artifacts     *storage.ArtifactStore
	metrics       *monitor.Metrics
	exporter      Exporter
	exportTimeout time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithExporter uploads the archive of every stopped project
func WithExporter(e Exporter) Option {
	return func(m *Manager) { m.exporter = e }
}

// NewManager creates a manager over a scheduler and the artifact store it
// writes to. metrics may be nil.
func NewManager(s *scheduler.Scheduler, artifacts *storage.ArtifactStore, metrics *monitor.Metrics, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:        logger.Named("session"),
		scheduler:     s,
		artifacts:     artifacts,
		metrics:       metrics,
		exportTimeout: defaultExportTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartProject validates description and starts a project on it
func (m *Manager) StartProject(ctx context.Context, description string) (*model.Project, error) {
	description = strings.TrimSpace(description)
	if err := validateDescription(description); err != nil {
		return nil, err
	}

	project, err := m.scheduler.StartProject(ctx, description)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Session started project", zap.String("project_id", project.ID))
	return project, nil
}

// StopProject stops the running project and exports its archive when an
// exporter is configured. Export failures are logged, not returned.
func (m *Manager) StopProject(ctx context.Context) (*StopResult, error) {
	project, err := m.scheduler.StopProject()
	if err != nil {
		return nil, err
	}
	res := &StopResult{Project: project, Files: m.artifacts.Len()}

	if m.exporter != nil && res.Files > 0 {
		exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.exportTimeout)
		defer cancel()
		key, err := m.exporter.Export(exportCtx, project.ID, m.artifacts)
		if err != nil {
			m.logger.Error("Failed to export project archive",
				zap.String("project_id", project.ID),
				zap.Error(err))
		} else {
			res.ArchiveKey = key
		}
	}
	return res, nil
}

// Status reports the project state, task counts, agents and artifact count
func (m *Manager) Status() model.ProjectStatusReport {
	report := m.scheduler.Status()
	if m.metrics != nil {
		m.metrics.ObserveStatus(report)
	}
	return report
}

// ListArtifacts describes every stored file
func (m *Manager) ListArtifacts() []model.ArtifactInfo {
	return m.artifacts.List()
}

// GetArtifact returns a file's content or storage.ErrArtifactNotFound
func (m *Manager) GetArtifact(name string) (string, error) {
	return m.artifacts.Get(name)
}

// Archive writes every stored file to w as a zip archive
func (m *Manager) Archive(w io.Writer) error {
	return m.artifacts.WriteArchive(w)
}

// Reset returns the session to its initial state
func (m *Manager) Reset() error {
	if err := m.scheduler.Reset(); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.Reset()
	}
	m.logger.Info("Session reset")
	return nil
}

// Messages returns the conversation log, oldest first
func (m *Manager) Messages() []model.Message {
	return m.scheduler.Messages()
}

// Metrics returns the session counters
func (m *Manager) Metrics() model.SystemMetrics {
	if m.metrics == nil {
		return model.SystemMetrics{}
	}
	return m.metrics.Snapshot()
}

// Agents returns the roster summaries
func (m *Manager) Agents() []model.AgentSummary {
	return m.scheduler.Roster().Summaries()
}

// Tasks returns every task in the graph
func (m *Manager) Tasks() []*model.Task {
	return m.scheduler.Graph().List()
}

// Project returns the current project, or nil
func (m *Manager) Project() *model.Project {
	return m.scheduler.Project()
}

func validateDescription(description string) error {
	n := utf8.RuneCountInString(description)
	switch {
	case n == 0:
		return &ValidationError{Field: "description", Message: "is required"}
	case n < MinDescriptionLength:
		return &ValidationError{Field: "description", Message: "must be at least 10 characters"}
	case n > MaxDescriptionLength:
		return &ValidationError{Field: "description", Message: "must be at most 5000 characters"}
	}
	return nil
}
