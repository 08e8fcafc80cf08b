package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"overwatch/core"
)

const validRule = `
id: tailgate-critical
name: Escalate confident tailgating
priority: 10
suppress:
  cooldown: 5m
when:
  all:
    - field: event.severity
      op: "=="
      value: major
    - field: event.attributes.confidence
      op: ">="
      value: 0.9
then:
  - notify:
      channels: [console]
      message: "Confident tailgate at {{site}}"
  - alarm.create_or_update:
      severity: critical
      runbook: RB-17
`

func TestParse_ValidRule(t *testing.T) {
	c, err := Parse([]byte(validRule))
	require.NoError(t, err)

	assert.Equal(t, "tailgate-critical", c.Rule.ID)
	assert.Equal(t, "Escalate confident tailgating", c.Rule.Name)
	assert.Equal(t, 10, c.Rule.Priority)
	assert.Equal(t, 5*time.Minute, c.Rule.Cooldown)
	assert.True(t, c.Rule.Enabled)
	assert.Equal(t, validRule, c.Rule.Source)

	require.Len(t, c.Actions, 2)
	assert.Equal(t, core.ActionNotify, c.Actions[0].Type)
	assert.Equal(t, []string{"console"}, c.Actions[0].Channels)
	assert.Equal(t, core.ActionAlarm, c.Actions[1].Type)
	assert.Equal(t, core.SeverityCritical, c.Actions[1].Severity)
	assert.Equal(t, "RB-17", c.Actions[1].Runbook)
}

func TestParse_EnabledFalseIsPreserved(t *testing.T) {
	c, err := Parse([]byte(`
id: r-1
name: disabled rule
enabled: false
when:
  all:
    - {field: event.severity, op: "==", value: info}
then:
  - notify: {channels: [console]}
`))
	require.NoError(t, err)
	assert.False(t, c.Rule.Enabled)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"not yaml", ":\n  - ["},
		{"missing id", "name: x\nwhen: {all: []}\nthen: [{notify: {channels: [console]}}]"},
		{"missing then", "id: r\nname: x\nwhen: {all: []}"},
		{"empty then", "id: r\nname: x\nwhen: {all: []}\nthen: []"},
		{"unknown operator", `
id: r
name: x
when:
  all:
    - {field: event.severity, op: "~=", value: info}
then:
  - notify: {channels: [console]}
`},
		{"notify without channels", `
id: r
name: x
when:
  all:
    - {field: event.severity, op: "==", value: info}
then:
  - notify: {message: hello}
`},
		{"unknown action", `
id: r
name: x
when:
  all:
    - {field: event.severity, op: "==", value: info}
then:
  - page_everyone: {}
`},
		{"bad severity in action", `
id: r
name: x
when:
  all:
    - {field: event.severity, op: "==", value: info}
then:
  - alarm.create_or_update: {severity: catastrophic}
`},
		{"bad cooldown", `
id: r
name: x
suppress: {cooldown: "five minutes"}
when:
  all:
    - {field: event.severity, op: "==", value: info}
then:
  - notify: {channels: [console]}
`},
		{"when with two keys", `
id: r
name: x
when:
  all:
    - {field: event.severity, op: "==", value: info}
  any:
    - {field: event.site, op: "==", value: hq}
then:
  - notify: {channels: [console]}
`},
		{"leaf without field", `
id: r
name: x
when:
  all:
    - {op: "==", value: info}
then:
  - notify: {channels: [console]}
`},
		{"in without list", `
id: r
name: x
when:
  all:
    - {field: event.site, op: in, value: hq}
then:
  - notify: {channels: [console]}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.source))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrRuleEvaluation)
		})
	}
}

func TestLoadDirectory_SkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(validRule), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("then: []"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	compiled, err := LoadDirectory(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Len(t, compiled, 1)
	assert.Equal(t, "tailgate-critical", compiled[0].Rule.ID)
}
