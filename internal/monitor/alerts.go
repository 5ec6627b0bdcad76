package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/events"
	"github.com/ethank2222/TriniTeam/internal/model"
)

const (
	maxAlerts          = 200
	defaultSendTimeout = 10 * time.Second
)

var (
	// ErrRuleNotFound is returned when a rule is not found
	ErrRuleNotFound = errors.New("alert rule not found")

	// ErrAlertNotFound is returned when an alert is not found
	ErrAlertNotFound = errors.New("alert not found")

	// ErrInvalidRule is returned when a rule fails validation
	ErrInvalidRule = errors.New("invalid alert rule")
)

// alertTypes maps event types to the alert type they count towards
var alertTypes = map[string]model.AlertType{
	events.TypeTaskFailed:      model.AlertTypeTaskFailure,
	events.TypeAgentStuck:      model.AlertTypeStuckAgent,
	events.TypeTaskTimedOut:    model.AlertTypeStuckAgent,
	events.TypeGenerationError: model.AlertTypeGenerationError,
}

// DefaultRules returns one rule per alert type
func DefaultRules() []*model.AlertRule {
	return []*model.AlertRule{
		{Name: "Task failed permanently", Type: model.AlertTypeTaskFailure, Severity: model.AlertSeverityError},
		{Name: "Agent stuck", Type: model.AlertTypeStuckAgent, Severity: model.AlertSeverityWarning},
		{Name: "Generation errors", Type: model.AlertTypeGenerationError, Severity: model.AlertSeverityWarning, Threshold: 3, Window: 5 * time.Minute},
	}
}

// AlertManager evaluates rules against session events, keeps the raised
// alerts and fans them out to notification channels.
type AlertManager struct {
	logger    *zap.Logger
	publisher events.Publisher

	mu       sync.RWMutex
	rules    map[string]*model.AlertRule
	hits     map[string][]time.Time
	alerts   []*model.Alert
	channels map[string]NotificationChannel

	sendTimeout time.Duration
	now         func() time.Time
}

// NewAlertManager creates a manager. Raised alerts are published to
// publisher on the alert topic; nil discards them.
func NewAlertManager(publisher events.Publisher, logger *zap.Logger) *AlertManager {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &AlertManager{
		logger:      logger.Named("alert-manager"),
		publisher:   publisher,
		rules:       make(map[string]*model.AlertRule),
		hits:        make(map[string][]time.Time),
		channels:    make(map[string]NotificationChannel),
		sendTimeout: defaultSendTimeout,
		now:         time.Now,
	}
}

// AddRule registers a rule, assigning its ID and timestamps
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = m.now()
	rule.UpdatedAt = rule.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rule
	m.rules[rule.ID] = &c

	m.logger.Info("Alert rule added",
		zap.String("rule_id", rule.ID),
		zap.String("type", string(rule.Type)))
	return nil
}

// UpdateRule replaces an existing rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.rules[rule.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = m.now()
	c := *rule
	m.rules[rule.ID] = &c
	delete(m.hits, rule.ID)
	return nil
}

// DeleteRule removes a rule
func (m *AlertManager) DeleteRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(m.rules, id)
	delete(m.hits, id)
	return nil
}

// GetRule returns a copy of a rule
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	c := *rule
	return &c, nil
}

// ListRules returns copies of all rules ordered by creation
func (m *AlertManager) ListRules() []*model.AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]*model.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		c := *r
		rules = append(rules, &c)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].CreatedAt.Before(rules[j].CreatedAt) })
	return rules
}

// AddChannel registers a notification channel under name
func (m *AlertManager) AddChannel(name string, ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// RemoveChannel unregisters a notification channel
func (m *AlertManager) RemoveChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// Alerts returns the retained alerts, newest last
func (m *AlertManager) Alerts() []*model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.Alert, len(m.alerts))
	for i, a := range m.alerts {
		c := *a
		out[i] = &c
	}
	return out
}

// Resolve marks an alert resolved
func (m *AlertManager) Resolve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.ID == id {
			if a.ResolvedAt == nil {
				now := m.now()
				a.ResolvedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
}

// Run evaluates events until ctx is done or ch closes
func (m *AlertManager) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			m.Handle(ctx, event)
		}
	}
}

// Handle evaluates one event against every rule of the matching type
func (m *AlertManager) Handle(ctx context.Context, event events.Event) {
	alertType, ok := alertTypes[event.Type]
	if !ok {
		return
	}

	var raised []*model.Alert
	now := m.now()

	m.mu.Lock()
	for _, rule := range m.rules {
		if rule.Type != alertType || rule.Silenced {
			continue
		}
		if !m.recordHitLocked(rule, now) {
			continue
		}
		alert := &model.Alert{
			ID:        uuid.New().String(),
			RuleID:    rule.ID,
			Type:      rule.Type,
			Severity:  rule.Severity,
			Message:   fmt.Sprintf("Alert triggered for rule: %s", rule.Name),
			Data:      alertData(event),
			CreatedAt: now,
		}
		m.alerts = append(m.alerts, alert)
		raised = append(raised, alert)
	}
	if over := len(m.alerts) - maxAlerts; over > 0 {
		m.alerts = append([]*model.Alert(nil), m.alerts[over:]...)
	}
	channels := make(map[string]NotificationChannel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	for _, alert := range raised {
		m.dispatch(ctx, alert, channels)
	}
}

// recordHitLocked counts the event for rule and reports whether the rule
// fires. Firing clears the window.
func (m *AlertManager) recordHitLocked(rule *model.AlertRule, now time.Time) bool {
	if rule.Threshold <= 1 {
		return true
	}

	hits := append(m.hits[rule.ID], now)
	if rule.Window > 0 {
		cutoff := now.Add(-rule.Window)
		kept := hits[:0]
		for _, h := range hits {
			if h.After(cutoff) {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	if len(hits) >= rule.Threshold {
		delete(m.hits, rule.ID)
		return true
	}
	m.hits[rule.ID] = hits
	return false
}

func (m *AlertManager) dispatch(ctx context.Context, alert *model.Alert, channels map[string]NotificationChannel) {
	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	event := events.New(events.TopicAlert, events.TypeAlertRaised)
	event.Message = alert.Message
	event.Data = map[string]interface{}{
		"alert_id": alert.ID,
		"rule_id":  alert.RuleID,
		"type":     string(alert.Type),
		"severity": string(alert.Severity),
	}
	if id, ok := alert.Data["task_id"].(string); ok {
		event.TaskID = id
	}
	if id, ok := alert.Data["agent_id"].(string); ok {
		event.AgentID = id
	}
	m.publisher.Publish(events.TopicAlert, event)

	for name, ch := range channels {
		sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
		if err := ch.Send(sendCtx, alert); err != nil {
			m.logger.Error("Failed to send alert",
				zap.String("channel", name),
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
		cancel()
	}
}

func alertData(event events.Event) map[string]interface{} {
	data := map[string]interface{}{"event": event.Type}
	if event.ProjectID != "" {
		data["project_id"] = event.ProjectID
	}
	if event.TaskID != "" {
		data["task_id"] = event.TaskID
	}
	if event.AgentID != "" {
		data["agent_id"] = event.AgentID
	}
	if event.Message != "" {
		data["message"] = event.Message
	}
	return data
}

func validateRule(rule *model.AlertRule) error {
	if rule == nil {
		return ErrInvalidRule
	}
	if rule.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	switch rule.Type {
	case model.AlertTypeTaskFailure, model.AlertTypeStuckAgent, model.AlertTypeGenerationError:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
	if rule.Threshold < 0 || rule.Window < 0 {
		return fmt.Errorf("%w: threshold and window must not be negative", ErrInvalidRule)
	}
	return nil
}
