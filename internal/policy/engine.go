// Package policy decides whether a task may be admitted for an account. It
// combines global limits, per-account overrides and allow/deny rules loaded
// from a YAML file.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Limits bound what one account may run. Zero means unlimited.
type Limits struct {
	MaxAccountTasks       int `yaml:"max_account_tasks" toml:"max_account_tasks"`
	MaxConversationsLimit int `yaml:"max_conversations_limit" toml:"max_conversations_limit"`
	MaxConcurrent         int `yaml:"max_concurrent_conversations" toml:"max_concurrent_conversations"`
}

type RuleMatch struct {
	Account string `yaml:"account" toml:"account"`
	User    string `yaml:"user" toml:"user"`
	SkillID string `yaml:"skill_id" toml:"skill_id"`
	FlowID  string `yaml:"flow_id" toml:"flow_id"`
}

type Rule struct {
	Name   string    `yaml:"name" toml:"name"`
	Effect string    `yaml:"effect" toml:"effect"` // allow|deny
	Reason string    `yaml:"reason" toml:"reason"`
	Match  RuleMatch `yaml:"match" toml:"match"`
}

type Config struct {
	DefaultAction string            `yaml:"default_action" toml:"default_action"` // allow|deny
	Rules         []Rule            `yaml:"rules" toml:"rules"`
	AccountLimits map[string]Limits `yaml:"account_limits" toml:"account_limits"`
}

type Decision struct {
	Allowed    bool
	Quota      bool
	ReasonCode string
	Rule       string
	Message    string
}

type AdmissionInput struct {
	AccountID               string
	UserID                  string
	SkillID                 string
	FlowID                  string
	RunningTasks            int
	MaxConversations        int
	ConcurrentConversations int
}

type Engine struct {
	defaults Limits

	mu            sync.RWMutex
	defaultAction string
	rules         []Rule
	limits        map[string]Limits
}

func NewAllowAll(defaults Limits) *Engine {
	return &Engine{defaults: defaults, defaultAction: "allow", limits: map[string]Limits{}}
}

// LoadFromFile reads a YAML policy. An empty path yields an allow-all engine
// that only enforces defaults.
func LoadFromFile(path string, defaults Limits) (*Engine, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewAllowAll(defaults), nil
	}
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg, defaults), nil
}

// readConfig decodes YAML, or TOML when the file ends in .toml.
func readConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read policy file: %w", err)
	}
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(b, &cfg)
	} else {
		err = yaml.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse policy file: %w", err)
	}
	return cfg, nil
}

func NewFromConfig(cfg Config, defaults Limits) *Engine {
	e := &Engine{defaults: defaults}
	e.Reload(cfg)
	return e
}

// Reload swaps in new rules and account limits. Defaults are kept.
func (e *Engine) Reload(cfg Config) {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		r.Effect = normalizeAction(r.Effect)
		if r.Effect == "" {
			r.Effect = "deny"
		}
		rules = append(rules, r)
	}
	limits := make(map[string]Limits, len(cfg.AccountLimits))
	for k, v := range cfg.AccountLimits {
		limits[strings.TrimSpace(k)] = v
	}
	action := normalizeAction(cfg.DefaultAction)
	if action == "" {
		action = "allow"
	}
	e.mu.Lock()
	e.defaultAction = action
	e.rules = rules
	e.limits = limits
	e.mu.Unlock()
}

// LimitsFor merges the account override over the defaults field by field.
func (e *Engine) LimitsFor(accountID string) Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limitsFor(accountID)
}

func (e *Engine) limitsFor(accountID string) Limits {
	l := e.defaults
	o, ok := e.limits[strings.TrimSpace(accountID)]
	if !ok {
		return l
	}
	if o.MaxAccountTasks > 0 {
		l.MaxAccountTasks = o.MaxAccountTasks
	}
	if o.MaxConversationsLimit > 0 {
		l.MaxConversationsLimit = o.MaxConversationsLimit
	}
	if o.MaxConcurrent > 0 {
		l.MaxConcurrent = o.MaxConcurrent
	}
	return l
}

func (e *Engine) EvaluateAdmission(in AdmissionInput) Decision {
	account := strings.TrimSpace(in.AccountID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	l := e.limitsFor(account)
	if l.MaxAccountTasks > 0 && in.RunningTasks >= l.MaxAccountTasks {
		return Decision{
			Quota:      true,
			ReasonCode: "quota_account_tasks_exceeded",
			Rule:       "account_limits." + account,
			Message:    fmt.Sprintf("running tasks %d reached max_account_tasks %d", in.RunningTasks, l.MaxAccountTasks),
		}
	}
	if l.MaxConversationsLimit > 0 && in.MaxConversations > l.MaxConversationsLimit {
		return Decision{
			Quota:      true,
			ReasonCode: "quota_max_conversations_exceeded",
			Rule:       "account_limits." + account,
			Message:    fmt.Sprintf("max conversations %d exceeds max_conversations_limit %d", in.MaxConversations, l.MaxConversationsLimit),
		}
	}
	if l.MaxConcurrent > 0 && in.ConcurrentConversations > l.MaxConcurrent {
		return Decision{
			Quota:      true,
			ReasonCode: "quota_concurrency_exceeded",
			Rule:       "account_limits." + account,
			Message:    fmt.Sprintf("concurrent conversations %d exceeds max_concurrent_conversations %d", in.ConcurrentConversations, l.MaxConcurrent),
		}
	}
	return e.evaluateRules(RuleMatch{Account: account, User: in.UserID, SkillID: in.SkillID, FlowID: in.FlowID})
}

func (e *Engine) evaluateRules(input RuleMatch) Decision {
	for _, r := range e.rules {
		if !matches(r.Match, input) {
			continue
		}
		reason := "policy_rule_" + r.Effect
		if r.Reason != "" {
			reason = strings.TrimSpace(r.Reason)
		}
		msg := reason
		if r.Name != "" {
			msg = r.Name + ": " + reason
		}
		return Decision{Allowed: r.Effect == "allow", ReasonCode: reason, Rule: r.Name, Message: msg}
	}
	if e.defaultAction == "deny" {
		return Decision{
			ReasonCode: "default_deny",
			Rule:       "default_action",
			Message:    "request denied by default_action=deny",
		}
	}
	return Decision{
		Allowed:    true,
		ReasonCode: "default_allow",
		Rule:       "default_action",
		Message:    "request allowed by default_action=allow",
	}
}

func matches(rule RuleMatch, in RuleMatch) bool {
	if rule.Account != "" && rule.Account != in.Account {
		return false
	}
	if rule.User != "" && rule.User != in.User {
		return false
	}
	if rule.SkillID != "" && rule.SkillID != in.SkillID {
		return false
	}
	if rule.FlowID != "" && rule.FlowID != in.FlowID {
		return false
	}
	return true
}

func normalizeAction(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "allow":
		return "allow"
	case "deny":
		return "deny"
	default:
		return ""
	}
}
