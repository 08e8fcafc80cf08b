package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"overwatch/broadcast"
	"overwatch/core"
	"overwatch/rules"
	"overwatch/storage"
)

// RuleService manages stored rules and keeps the evaluation engine in sync
// with every change.
type RuleService struct {
	store  storage.RuleStorage
	engine *rules.Engine
	hub    *broadcast.Hub
	logger *zap.SugaredLogger
}

// NewRuleService creates the rule management service. hub may be nil.
func NewRuleService(store storage.RuleStorage, engine *rules.Engine, hub *broadcast.Hub, logger *zap.SugaredLogger) *RuleService {
	return &RuleService{store: store, engine: engine, hub: hub, logger: logger}
}

// Get returns a rule by ID.
func (s *RuleService) Get(ctx context.Context, id string) (*core.Rule, error) {
	return s.store.GetRule(ctx, id)
}

// List returns all stored rules, enabled or not.
func (s *RuleService) List(ctx context.Context) ([]core.Rule, error) {
	return s.store.GetAllRules(ctx)
}

// Create validates, compiles, stores, and activates a rule from its YAML
// source.
func (s *RuleService) Create(ctx context.Context, source []byte) (*core.Rule, error) {
	compiled, err := rules.Parse(source)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRule(ctx, &compiled.Rule); err != nil {
		return nil, fmt.Errorf("store rule %s: %w", compiled.Rule.ID, err)
	}
	s.refresh(ctx, &compiled.Rule, "rule.created")
	return &compiled.Rule, nil
}

// Update replaces a rule's source, preserving its creation time.
func (s *RuleService) Update(ctx context.Context, id string, source []byte) (*core.Rule, error) {
	existing, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	compiled, err := rules.Parse(source)
	if err != nil {
		return nil, err
	}
	if compiled.Rule.ID != id {
		return nil, fmt.Errorf("%w: rule ID in source (%s) does not match %s", core.ErrValidation, compiled.Rule.ID, id)
	}
	compiled.Rule.CreatedAt = existing.CreatedAt
	compiled.Rule.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateRule(ctx, id, &compiled.Rule); err != nil {
		return nil, fmt.Errorf("update rule %s: %w", id, err)
	}
	s.refresh(ctx, &compiled.Rule, "rule.updated")
	return &compiled.Rule, nil
}

// Delete removes a rule.
func (s *RuleService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.refresh(ctx, &core.Rule{ID: id}, "rule.deleted")
	return nil
}

// SetEnabled toggles a rule without touching its source.
func (s *RuleService) SetEnabled(ctx context.Context, id string, enabled bool) (*core.Rule, error) {
	if err := s.store.SetRuleEnabled(ctx, id, enabled); err != nil {
		return nil, err
	}
	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	action := "rule.disabled"
	if enabled {
		action = "rule.enabled"
	}
	s.refresh(ctx, rule, action)
	return rule, nil
}

func (s *RuleService) refresh(ctx context.Context, rule *core.Rule, action string) {
	if err := s.engine.Reload(ctx); err != nil {
		s.logger.Errorf("rule engine reload failed after %s: %v", action, err)
	}
	if s.hub != nil {
		s.hub.Publish(broadcast.TopicRules, action, rule.ID, rule)
	}
}
