package task

import (
	"fmt"
	"time"
)

// ToMap renders the definition as a plain map, suitable for JSON/YAML config
// persistence. Durations are Go duration strings, times RFC3339Nano.
func (d Definition) ToMap() map[string]any {
	d = d.WithDefaults()
	m := map[string]any{
		"task_id":       d.ID,
		"name":          d.Name,
		"task_function": d.Function,
		"trigger":       d.Trigger.toMap(),
		"priority":      d.Priority,
		"max_instances": d.MaxInstances,
		"retry_count":   d.RetryCount,
		"retry_delay":   d.RetryDelay.String(),
		"timeout":       d.Timeout.String(),
		"active":        d.Active,
	}
	if len(d.Args) > 0 {
		m["args"] = append([]any(nil), d.Args...)
	}
	if len(d.Kwargs) > 0 {
		kw := make(map[string]any, len(d.Kwargs))
		for k, v := range d.Kwargs {
			kw[k] = v
		}
		m["kwargs"] = kw
	}
	if len(d.DependsOn) > 0 {
		m["depends_on"] = append([]string(nil), d.DependsOn...)
	}
	if len(d.Tags) > 0 {
		tags := make(map[string]string, len(d.Tags))
		for k, v := range d.Tags {
			tags[k] = v
		}
		m["tags"] = tags
	}
	return m
}

func (t TriggerSpec) toMap() map[string]any {
	m := map[string]any{"kind": string(t.Kind)}
	switch t.Kind {
	case TriggerDate:
		if !t.At.IsZero() {
			m["at"] = t.At.Format(time.RFC3339Nano)
		}
	case TriggerInterval:
		m["every"] = t.Every.String()
	case TriggerCron:
		m["expr"] = t.Expr
	}
	if !t.StartAt.IsZero() {
		m["start_at"] = t.StartAt.Format(time.RFC3339Nano)
	}
	if !t.EndAt.IsZero() {
		m["end_at"] = t.EndAt.Format(time.RFC3339Nano)
	}
	return m
}

// DefinitionFromMap is the inverse of ToMap. Omitted optional fields come back
// as their defaults, so ToMap/DefinitionFromMap round-trips field-for-field.
func DefinitionFromMap(m map[string]any) (Definition, error) {
	var d Definition
	var err error

	if d.ID, err = stringField(m, "task_id", true); err != nil {
		return d, err
	}
	if d.Name, err = stringField(m, "name", false); err != nil {
		return d, err
	}
	if d.Function, err = stringField(m, "task_function", true); err != nil {
		return d, err
	}

	trig, ok := m["trigger"]
	if !ok {
		return d, fmt.Errorf("task %s: trigger is required", d.ID)
	}
	tm, ok := trig.(map[string]any)
	if !ok {
		return d, fmt.Errorf("task %s: trigger must be a map", d.ID)
	}
	if d.Trigger, err = triggerFromMap(tm); err != nil {
		return d, fmt.Errorf("task %s: %w", d.ID, err)
	}

	if v, ok := m["args"]; ok {
		args, ok := v.([]any)
		if !ok {
			return d, fmt.Errorf("task %s: args must be a list", d.ID)
		}
		d.Args = append([]any(nil), args...)
	}
	if v, ok := m["kwargs"]; ok {
		kw, ok := v.(map[string]any)
		if !ok {
			return d, fmt.Errorf("task %s: kwargs must be a map", d.ID)
		}
		d.Kwargs = make(map[string]any, len(kw))
		for k, val := range kw {
			d.Kwargs[k] = val
		}
	}

	if d.Priority, err = intField(m, "priority", 0); err != nil {
		return d, fmt.Errorf("task %s: %w", d.ID, err)
	}
	if d.MaxInstances, err = intField(m, "max_instances", 1); err != nil {
		return d, fmt.Errorf("task %s: %w", d.ID, err)
	}
	if d.RetryCount, err = intField(m, "retry_count", 0); err != nil {
		return d, fmt.Errorf("task %s: %w", d.ID, err)
	}
	if d.RetryDelay, err = durationField(m, "retry_delay"); err != nil {
		return d, fmt.Errorf("task %s: %w", d.ID, err)
	}
	if d.Timeout, err = durationField(m, "timeout"); err != nil {
		return d, fmt.Errorf("task %s: %w", d.ID, err)
	}

	if v, ok := m["depends_on"]; ok {
		switch deps := v.(type) {
		case []string:
			d.DependsOn = append([]string(nil), deps...)
		case []any:
			for _, dep := range deps {
				s, ok := dep.(string)
				if !ok {
					return d, fmt.Errorf("task %s: depends_on entries must be strings", d.ID)
				}
				d.DependsOn = append(d.DependsOn, s)
			}
		default:
			return d, fmt.Errorf("task %s: depends_on must be a list", d.ID)
		}
	}

	if v, ok := m["active"]; ok {
		b, ok := v.(bool)
		if !ok {
			return d, fmt.Errorf("task %s: active must be a bool", d.ID)
		}
		d.Active = b
	} else {
		d.Active = true
	}

	if v, ok := m["tags"]; ok {
		switch tags := v.(type) {
		case map[string]string:
			d.Tags = make(map[string]string, len(tags))
			for k, val := range tags {
				d.Tags[k] = val
			}
		case map[string]any:
			d.Tags = make(map[string]string, len(tags))
			for k, val := range tags {
				s, ok := val.(string)
				if !ok {
					return d, fmt.Errorf("task %s: tag %q must be a string", d.ID, k)
				}
				d.Tags[k] = s
			}
		default:
			return d, fmt.Errorf("task %s: tags must be a map", d.ID)
		}
	}

	return d.WithDefaults(), nil
}

func triggerFromMap(m map[string]any) (TriggerSpec, error) {
	var t TriggerSpec
	kind, err := stringField(m, "kind", true)
	if err != nil {
		return t, err
	}
	t.Kind = TriggerKind(kind)

	switch t.Kind {
	case TriggerDate:
		if t.At, err = timeField(m, "at"); err != nil {
			return t, err
		}
	case TriggerInterval:
		if t.Every, err = durationField(m, "every"); err != nil {
			return t, err
		}
		if t.Every <= 0 {
			return t, fmt.Errorf("interval trigger requires every > 0")
		}
	case TriggerCron:
		if t.Expr, err = stringField(m, "expr", true); err != nil {
			return t, err
		}
	default:
		return t, fmt.Errorf("unknown trigger kind %q", kind)
	}

	if t.StartAt, err = timeField(m, "start_at"); err != nil {
		return t, err
	}
	if t.EndAt, err = timeField(m, "end_at"); err != nil {
		return t, err
	}
	return t, nil
}

func stringField(m map[string]any, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok {
		if required {
			return "", fmt.Errorf("%s is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	if required && s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

func intField(m map[string]any, key string, def int) (int, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

func durationField(m map[string]any, key string) (time.Duration, error) {
	v, ok := m[key]
	if !ok {
		return 0, nil
	}
	switch x := v.(type) {
	case time.Duration:
		return x, nil
	case string:
		if x == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid duration %q: %w", key, x, err)
		}
		return d, nil
	case float64:
		// Numeric values are seconds (config convenience).
		return time.Duration(x * float64(time.Second)), nil
	case int:
		return time.Duration(x) * time.Second, nil
	default:
		return 0, fmt.Errorf("%s must be a duration string", key)
	}
}

func timeField(m map[string]any, key string) (time.Time, error) {
	v, ok := m[key]
	if !ok {
		return time.Time{}, nil
	}
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		if x == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: invalid time %q: %w", key, x, err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("%s must be an RFC3339 time string", key)
	}
}
