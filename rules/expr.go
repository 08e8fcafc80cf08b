package rules

import (
	"fmt"
	"strconv"
	"strings"

	"overwatch/core"
)

// EvalContext carries the values a condition tree can reference. Alarm is
// nil before correlation; Event is nil when evaluating an alarm mutation.
// Paths into a nil side resolve as absent.
type EvalContext struct {
	Event *core.Event
	Alarm *core.Alarm
}

// Expr is a compiled condition node.
type Expr interface {
	Eval(ctx *EvalContext) (bool, error)
}

type allOf []Expr

func (e allOf) Eval(ctx *EvalContext) (bool, error) {
	for _, child := range e {
		ok, err := child.Eval(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type anyOf []Expr

func (e anyOf) Eval(ctx *EvalContext) (bool, error) {
	for _, child := range e {
		ok, err := child.Eval(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type compare struct {
	field string
	op    string
	value any
}

var comparisonOps = map[string]bool{
	"==": true, "!=": true,
	"<": true, "<=": true, ">": true, ">=": true,
	"in": true, "absent": true,
}

func compileExpr(node map[string]any) (Expr, error) {
	if len(node) != 1 {
		return nil, fmt.Errorf("condition node must have exactly one key, got %d", len(node))
	}

	if raw, ok := node["all"]; ok {
		children, err := compileChildren(raw)
		if err != nil {
			return nil, err
		}
		return allOf(children), nil
	}
	if raw, ok := node["any"]; ok {
		children, err := compileChildren(raw)
		if err != nil {
			return nil, err
		}
		return anyOf(children), nil
	}

	return nil, fmt.Errorf("unknown condition key, want all or any")
}

func compileChildren(raw any) ([]Expr, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("all/any requires a non-empty list")
	}
	children := make([]Expr, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("condition entries must be mappings")
		}
		// Nested all/any is allowed alongside leaf comparisons.
		if _, nested := entry["all"]; nested {
			child, err := compileExpr(entry)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
			continue
		}
		if _, nested := entry["any"]; nested {
			child, err := compileExpr(entry)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
			continue
		}
		leaf, err := compileLeaf(entry)
		if err != nil {
			return nil, err
		}
		children = append(children, leaf)
	}
	return children, nil
}

func compileLeaf(entry map[string]any) (Expr, error) {
	field, _ := entry["field"].(string)
	op, _ := entry["op"].(string)
	if field == "" {
		return nil, fmt.Errorf("comparison requires a field")
	}
	if !comparisonOps[op] {
		return nil, fmt.Errorf("unknown operator %q for field %s", op, field)
	}
	value := entry["value"]
	if op != "absent" && value == nil {
		return nil, fmt.Errorf("operator %q requires a value for field %s", op, field)
	}
	if op == "in" {
		if _, ok := value.([]any); !ok {
			return nil, fmt.Errorf("operator in requires a list value for field %s", field)
		}
	}
	return &compare{field: field, op: op, value: value}, nil
}

func (c *compare) Eval(ctx *EvalContext) (bool, error) {
	actual, present := resolveField(ctx, c.field)

	switch c.op {
	case "absent":
		return !present, nil
	case "==":
		return present && equal(actual, c.value), nil
	case "!=":
		// An absent field fails every comparison; only the absent operator
		// matches a missing value.
		return present && !equal(actual, c.value), nil
	case "in":
		if !present {
			return false, nil
		}
		for _, candidate := range c.value.([]any) {
			if equal(actual, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "<", "<=", ">", ">=":
		if !present {
			return false, nil
		}
		a, aok := toFloat(actual)
		b, bok := toFloat(c.value)
		if !aok || !bok {
			return false, fmt.Errorf("operator %s requires numeric operands for field %s", c.op, c.field)
		}
		switch c.op {
		case "<":
			return a < b, nil
		case "<=":
			return a <= b, nil
		case ">":
			return a > b, nil
		default:
			return a >= b, nil
		}
	}
	return false, fmt.Errorf("unknown operator %q", c.op)
}

// resolveField maps a dotted path to a value from the evaluation context.
// Unknown paths resolve as absent rather than erroring so that rules stay
// forward compatible with new event fields.
func resolveField(ctx *EvalContext, path string) (any, bool) {
	parts := strings.SplitN(path, ".", 2)
	switch parts[0] {
	case "event":
		if ctx.Event == nil || len(parts) < 2 {
			return nil, false
		}
		return resolveEventField(ctx.Event, parts[1])
	case "alarm":
		if ctx.Alarm == nil || len(parts) < 2 {
			return nil, false
		}
		return resolveAlarmField(ctx.Alarm, parts[1])
	}
	return nil, false
}

func resolveEventField(event *core.Event, path string) (any, bool) {
	if rest, ok := strings.CutPrefix(path, "attributes."); ok {
		val, found := event.Attributes[rest]
		return val, found
	}
	switch path {
	case "id":
		return event.ID, true
	case "tenant":
		return event.Tenant, true
	case "site":
		return event.Site, true
	case "severity":
		return string(event.Severity), true
	case "source.type":
		return event.Source.Type, true
	case "source.subtype":
		return event.Source.Subtype, true
	case "source.device_id":
		return event.Source.DeviceID, true
	case "location.area_id":
		return event.Location.AreaID, true
	case "group_key":
		return event.GroupKey(), true
	}
	return nil, false
}

func resolveAlarmField(alarm *core.Alarm, path string) (any, bool) {
	switch path {
	case "id":
		return alarm.ID, true
	case "tenant":
		return alarm.Tenant, true
	case "site":
		return alarm.Site, true
	case "group_key":
		return alarm.GroupKey, true
	case "state":
		return string(alarm.State), true
	case "severity":
		return string(alarm.Severity), true
	case "confidence":
		return alarm.Confidence, true
	case "assignee":
		return alarm.Assignee, alarm.Assignee != ""
	case "event_count":
		return len(alarm.EventIDs), true
	case "sla_breached":
		return alarm.SLABreached, true
	}
	return nil, false
}

// equal compares with numeric coercion so YAML 0.9 matches attribute values
// stored as strings or json.Number.
func equal(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
