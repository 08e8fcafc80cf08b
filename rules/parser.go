// Package rules implements the declarative YAML rule DSL and its evaluation
// engine. Rules match events and correlated alarms and emit notification and
// alarm-mutation actions.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"overwatch/core"
)

// ruleSchema validates the structural shape of a rule document before
// compilation. Semantic checks (operator names, action fields) happen during
// compilation.
const ruleSchema = `{
  "type": "object",
  "required": ["id", "name", "when", "then"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "enabled": {"type": "boolean"},
    "priority": {"type": "integer"},
    "suppress": {
      "type": "object",
      "properties": {"cooldown": {"type": "string"}}
    },
    "when": {"type": "object"},
    "then": {"type": "array", "minItems": 1, "items": {"type": "object"}}
  }
}`

type ruleDoc struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
	Priority    int    `yaml:"priority"`
	Suppress    struct {
		Cooldown string `yaml:"cooldown"`
	} `yaml:"suppress"`
	When map[string]any `yaml:"when"`
	Then []map[string]any `yaml:"then"`
}

// Compiled is a rule ready for evaluation.
type Compiled struct {
	Rule      core.Rule
	Condition Expr
	Actions   []core.Action
}

// Parse validates and compiles a single YAML rule document.
func Parse(source []byte) (*Compiled, error) {
	var generic any
	if err := yaml.Unmarshal(source, &generic); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %v", core.ErrRuleEvaluation, err)
	}
	jsonDoc, err := json.Marshal(normalizeYAML(generic))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRuleEvaluation, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(ruleSchema),
		gojsonschema.NewBytesLoader(jsonDoc),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: schema check: %v", core.ErrRuleEvaluation, err)
	}
	if !result.Valid() {
		var issues []string
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", core.ErrRuleEvaluation, strings.Join(issues, "; "))
	}

	var doc ruleDoc
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRuleEvaluation, err)
	}
	return compile(&doc, source)
}

func compile(doc *ruleDoc, source []byte) (*Compiled, error) {
	condition, err := compileExpr(doc.When)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", core.ErrRuleEvaluation, doc.ID, err)
	}

	actions, err := compileActions(doc.Then)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", core.ErrRuleEvaluation, doc.ID, err)
	}

	var cooldown time.Duration
	if doc.Suppress.Cooldown != "" {
		cooldown, err = time.ParseDuration(doc.Suppress.Cooldown)
		if err != nil || cooldown < 0 {
			return nil, fmt.Errorf("%w: rule %s: invalid cooldown %q", core.ErrRuleEvaluation, doc.ID, doc.Suppress.Cooldown)
		}
	}

	enabled := true
	if doc.Enabled != nil {
		enabled = *doc.Enabled
	}

	now := time.Now().UTC()
	return &Compiled{
		Rule: core.Rule{
			ID:          doc.ID,
			Name:        doc.Name,
			Description: doc.Description,
			Enabled:     enabled,
			Priority:    doc.Priority,
			Cooldown:    cooldown,
			Source:      string(source),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		Condition: condition,
		Actions:   actions,
	}, nil
}

func compileActions(raw []map[string]any) ([]core.Action, error) {
	var actions []core.Action
	for i, entry := range raw {
		if len(entry) != 1 {
			return nil, fmt.Errorf("action %d must have exactly one key", i)
		}
		for kind, body := range entry {
			params, _ := body.(map[string]any)
			switch core.ActionType(kind) {
			case core.ActionNotify:
				action := core.Action{Type: core.ActionNotify}
				if msg, ok := params["message"].(string); ok {
					action.Message = msg
				}
				if raw, ok := params["channels"].([]any); ok {
					for _, ch := range raw {
						s, ok := ch.(string)
						if !ok {
							return nil, fmt.Errorf("action %d: channels must be strings", i)
						}
						action.Channels = append(action.Channels, s)
					}
				}
				if len(action.Channels) == 0 {
					return nil, fmt.Errorf("action %d: notify requires at least one channel", i)
				}
				actions = append(actions, action)
			case core.ActionAlarm:
				action := core.Action{Type: core.ActionAlarm}
				if sev, ok := params["severity"].(string); ok {
					s := core.Severity(sev)
					if !s.IsValid() {
						return nil, fmt.Errorf("action %d: unknown severity %q", i, sev)
					}
					action.Severity = s
				}
				if rb, ok := params["runbook"].(string); ok {
					action.Runbook = rb
				}
				if esc, ok := params["escalation"].(string); ok {
					action.Escalation = esc
				}
				actions = append(actions, action)
			default:
				return nil, fmt.Errorf("action %d: unknown action type %q", i, kind)
			}
		}
	}
	return actions, nil
}

// normalizeYAML converts yaml.v3 map[string]any trees that may contain
// map[any]any nodes into JSON-marshalable form.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// LoadDirectory parses every .yml/.yaml file in dir. Invalid rules are
// skipped with a logged error so one bad file does not block the rest.
func LoadDirectory(dir string, logger *zap.SugaredLogger) ([]*Compiled, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules directory %s: %w", dir, err)
	}

	var compiled []*Compiled
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Errorf("Failed to read rule file %s: %v", path, err)
			continue
		}
		rule, err := Parse(data)
		if err != nil {
			logger.Errorf("Skipping invalid rule file %s: %v", path, err)
			continue
		}
		compiled = append(compiled, rule)
	}
	return compiled, nil
}
