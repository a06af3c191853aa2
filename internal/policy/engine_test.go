package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateAdmissionDefaultsAndOverrides(t *testing.T) {
	t.Parallel()
	engine := NewFromConfig(Config{
		AccountLimits: map[string]Limits{
			"acc-big": {MaxAccountTasks: 5, MaxConversationsLimit: 1000},
		},
	}, Limits{MaxAccountTasks: 1, MaxConversationsLimit: 100})

	d := engine.EvaluateAdmission(AdmissionInput{AccountID: "acc-small", RunningTasks: 1, MaxConversations: 10})
	assert.False(t, d.Allowed)
	assert.True(t, d.Quota)
	assert.Equal(t, "quota_account_tasks_exceeded", d.ReasonCode)

	d = engine.EvaluateAdmission(AdmissionInput{AccountID: "acc-small", MaxConversations: 101})
	assert.Equal(t, "quota_max_conversations_exceeded", d.ReasonCode)

	d = engine.EvaluateAdmission(AdmissionInput{AccountID: "acc-big", RunningTasks: 4, MaxConversations: 500})
	assert.True(t, d.Allowed)

	assert.Equal(t, Limits{MaxAccountTasks: 5, MaxConversationsLimit: 1000}, engine.LimitsFor("acc-big"))
}

func TestEvaluateAdmissionRules(t *testing.T) {
	t.Parallel()
	engine := NewFromConfig(Config{
		DefaultAction: "deny",
		Rules: []Rule{
			{Name: "blocked-skill", Effect: "deny", Reason: "skill_blocked", Match: RuleMatch{SkillID: "payments"}},
			{Name: "acc-a", Effect: "allow", Match: RuleMatch{Account: "acc-a"}},
		},
	}, Limits{})

	d := engine.EvaluateAdmission(AdmissionInput{AccountID: "acc-a", SkillID: "payments"})
	assert.False(t, d.Allowed)
	assert.False(t, d.Quota)
	assert.Equal(t, "skill_blocked", d.ReasonCode)

	d = engine.EvaluateAdmission(AdmissionInput{AccountID: "acc-a", SkillID: "billing"})
	assert.True(t, d.Allowed)

	d = engine.EvaluateAdmission(AdmissionInput{AccountID: "acc-b"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "default_deny", d.ReasonCode)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_action: allow
account_limits:
  acc-1:
    max_account_tasks: 3
rules:
  - name: no-test-user
    effect: deny
    match:
      user: tester
`), 0o644))

	engine, err := LoadFromFile(path, Limits{MaxAccountTasks: 1, MaxConversationsLimit: 50})
	require.NoError(t, err)
	assert.Equal(t, 3, engine.LimitsFor("acc-1").MaxAccountTasks)
	assert.Equal(t, 50, engine.LimitsFor("acc-1").MaxConversationsLimit)

	d := engine.EvaluateAdmission(AdmissionInput{AccountID: "acc-1", UserID: "tester"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "policy_rule_deny", d.ReasonCode)

	engine, err = LoadFromFile("", Limits{MaxAccountTasks: 2})
	require.NoError(t, err)
	assert.True(t, engine.EvaluateAdmission(AdmissionInput{AccountID: "x", RunningTasks: 1}).Allowed)
}

func TestLoadFromTOMLFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_action = "deny"

[account_limits.acc-1]
max_account_tasks = 4

[[rules]]
name = "trusted-flow"
effect = "allow"
[rules.match]
flow_id = "consumer"
`), 0o644))

	engine, err := LoadFromFile(path, Limits{MaxAccountTasks: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, engine.LimitsFor("acc-1").MaxAccountTasks)
	assert.True(t, engine.EvaluateAdmission(AdmissionInput{AccountID: "acc-1", FlowID: "consumer"}).Allowed)
	assert.Equal(t, "default_deny", engine.EvaluateAdmission(AdmissionInput{AccountID: "acc-1", FlowID: "other"}).ReasonCode)
}
