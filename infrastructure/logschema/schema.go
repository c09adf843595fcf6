// Package logschema 定义结构化日志事件的必需字段，便于下游按事件名检索与告警。
package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"submitted": {
		Event:    "submitted",
		Required: []string{"symbol"},
	},
	"open_at_shutdown": {
		Event:    "open_at_shutdown",
		Required: []string{"strategy_id", "symbol", "status"},
	},
	"kill_switch_activated": {
		Event:    "kill_switch_activated",
		Required: []string{"scope"},
	},
	"limits_rejected": {
		Event:    "limits_rejected",
		Required: []string{"path", "error"},
	},
	"audit_event": {
		Event:    "audit_event",
		Required: []string{"action", "scope", "principal", "outcome"},
	},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate 检查日志字段是否包含 schema 中要求的 key。未登记的事件不校验。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing fields: %s", event, strings.Join(missing, ","))
	}
	return nil
}
