package flows

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RouteInput describes one flow invocation for model selection. Stage is the
// prompt stage: opening, reply, fallback or analysis.
type RouteInput struct {
	FlowID string
	Stage  string
}

type RouteDecision struct {
	Model string
	Rule  string
}

type RouteRule struct {
	Name      string `yaml:"name"`
	WhenFlow  string `yaml:"flow_id"`
	WhenStage string `yaml:"stage"`
	UseModel  string `yaml:"use_model"`
}

type RoutingConfig struct {
	DefaultModel string      `yaml:"default_model"`
	Rules        []RouteRule `yaml:"rules"`
}

// ModelRouter maps flow invocations to chat models. The first matching rule
// wins.
type ModelRouter struct {
	cfg RoutingConfig
}

func NewModelRouter(defaultModel string) *ModelRouter {
	return &ModelRouter{cfg: RoutingConfig{DefaultModel: defaultModel}}
}

// LoadModelRouter reads routing rules from a YAML file. An empty path routes
// everything to defaultModel.
func LoadModelRouter(path, defaultModel string) (*ModelRouter, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewModelRouter(defaultModel), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model routing file: %w", err)
	}
	var cfg RoutingConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse model routing file: %w", err)
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = defaultModel
	}
	return &ModelRouter{cfg: cfg}, nil
}

func (r *ModelRouter) Route(in RouteInput) RouteDecision {
	decision := RouteDecision{Model: r.cfg.DefaultModel, Rule: "default"}
	for _, rule := range r.cfg.Rules {
		if rule.WhenFlow != "" && rule.WhenFlow != in.FlowID {
			continue
		}
		if rule.WhenStage != "" && rule.WhenStage != in.Stage {
			continue
		}
		if m := strings.TrimSpace(rule.UseModel); m != "" {
			decision.Model = m
		}
		decision.Rule = "rule"
		if n := strings.TrimSpace(rule.Name); n != "" {
			decision.Rule = n
		}
		return decision
	}
	return decision
}
