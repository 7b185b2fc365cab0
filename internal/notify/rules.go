package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cdiperi/datacompass/internal/events"
	"github.com/cdiperi/datacompass/internal/storage"
)

// ErrRuleEvaluation marks a malformed rule condition. The rule is skipped
// and logged; other rules still evaluate.
var ErrRuleEvaluation = errors.New("rule evaluation failed")

type Rule struct {
	ID         string
	Name       string
	EventType  string
	Conditions map[string]any
	ChannelID  string
	Template   string
	Enabled    bool
}

func RuleFromRecord(rec storage.RuleRecord) (Rule, error) {
	rule := Rule{
		ID:        rec.ID,
		Name:      rec.Name,
		EventType: rec.EventType,
		ChannelID: rec.ChannelRef,
		Template:  rec.Template,
		Enabled:   rec.Enabled,
	}
	if len(rec.ConditionsJSON) > 0 {
		if err := json.Unmarshal(rec.ConditionsJSON, &rule.Conditions); err != nil {
			return Rule{}, fmt.Errorf("%w: rule %s conditions: %v", ErrRuleEvaluation, rec.ID, err)
		}
	}
	return rule, nil
}

// Matcher selects the rules that apply to a published event. The rule set is
// loaded once at construction; multiple matching rules each produce an
// independent delivery.
type Matcher struct {
	rules  []Rule
	logger *slog.Logger
}

func NewMatcher(rules []Rule, logger *slog.Logger) *Matcher {
	return &Matcher{rules: rules, logger: logger}
}

func NewMatcherFromRecords(records []storage.RuleRecord, logger *slog.Logger) *Matcher {
	rules := make([]Rule, 0, len(records))
	for _, rec := range records {
		rule, err := RuleFromRecord(rec)
		if err != nil {
			logger.Warn("skipping malformed notification rule", slog.String("rule_id", rec.ID), slog.String("error", err.Error()))
			continue
		}
		rules = append(rules, rule)
	}
	return NewMatcher(rules, logger)
}

// Match filters enabled rules by exact event type, then requires every
// condition to hold against the payload (conjunction). A rule without
// conditions matches all events of its type.
func (m *Matcher) Match(evt events.Event) []Rule {
	var matched []Rule
	for _, rule := range m.rules {
		if !rule.Enabled || rule.EventType != evt.Type {
			continue
		}
		ok, err := conditionsHold(rule.Conditions, evt.Payload)
		if err != nil {
			m.logger.Warn("skipping rule with malformed condition",
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			matched = append(matched, rule)
		}
	}
	return matched
}

func conditionsHold(conditions map[string]any, payload map[string]any) (bool, error) {
	for key, want := range conditions {
		got, present := payload[key]
		if !present {
			return false, nil
		}
		ok, err := conditionHolds(key, want, got)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// conditionHolds evaluates either a literal (equality) or a comparison
// object of the form {"op": "gt", "value": 5}.
func conditionHolds(key string, want, got any) (bool, error) {
	spec, isSpec := want.(map[string]any)
	if !isSpec {
		return looseEqual(want, got), nil
	}
	opRaw, hasOp := spec["op"]
	value, hasValue := spec["value"]
	if !hasOp || !hasValue {
		return false, fmt.Errorf("%w: condition %q needs op and value", ErrRuleEvaluation, key)
	}
	op, ok := opRaw.(string)
	if !ok {
		return false, fmt.Errorf("%w: condition %q op must be a string", ErrRuleEvaluation, key)
	}
	switch op {
	case "eq":
		return looseEqual(value, got), nil
	case "ne":
		return !looseEqual(value, got), nil
	case "gt", "gte", "lt", "lte":
		gotNum, ok1 := toFloat(got)
		wantNum, ok2 := toFloat(value)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("%w: condition %q op %q needs numeric operands", ErrRuleEvaluation, key, op)
		}
		switch op {
		case "gt":
			return gotNum > wantNum, nil
		case "gte":
			return gotNum >= wantNum, nil
		case "lt":
			return gotNum < wantNum, nil
		default:
			return gotNum <= wantNum, nil
		}
	default:
		return false, fmt.Errorf("%w: condition %q has unsupported op %q", ErrRuleEvaluation, key, op)
	}
}

func looseEqual(want, got any) bool {
	if wantNum, ok := toFloat(want); ok {
		if gotNum, ok := toFloat(got); ok {
			return wantNum == gotNum
		}
		return false
	}
	return fmt.Sprint(want) == fmt.Sprint(got)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
