package capability

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
)

// ArgumentEntry is one editable argument row of a tool invocation.
// Disabled entries are kept but not sent.
type ArgumentEntry struct {
	Key         string
	Value       string
	Enabled     bool
	Description string
}

// Invocation is the argument set for one selected tool, seeded from the
// tool's input schema. Selecting a different tool means building a new
// Invocation; entries never survive a selection change.
type Invocation struct {
	Tool string
	Args []ArgumentEntry
}

// NewInvocation seeds argument entries from the tool's schema properties:
// one entry per property, default-derived initial value, enabled, with a
// description composed from the property's type/format/enum/description.
// Entries are ordered by key so the seeded list is stable.
func NewInvocation(tool mcp.Tool) *Invocation {
	inv := &Invocation{Tool: tool.Name}

	keys := make([]string, 0, len(tool.InputSchema.Properties))
	for key := range tool.InputSchema.Properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		prop, _ := tool.InputSchema.Properties[key].(map[string]interface{})
		entry := ArgumentEntry{
			Key:         key,
			Enabled:     true,
			Description: describeProperty(prop),
		}
		if def, ok := prop["default"]; ok {
			entry.Value = stringifyValue(def)
		}
		inv.Args = append(inv.Args, entry)
	}
	return inv
}

// SetArgument updates the value of the named entry. Returns false when no
// entry has that key.
func (inv *Invocation) SetArgument(key, value string) bool {
	for i := range inv.Args {
		if inv.Args[i].Key == key {
			inv.Args[i].Value = value
			return true
		}
	}
	return false
}

// EnableArgument toggles whether the named entry is sent.
func (inv *Invocation) EnableArgument(key string, enabled bool) bool {
	for i := range inv.Args {
		if inv.Args[i].Key == key {
			inv.Args[i].Enabled = enabled
			return true
		}
	}
	return false
}

// Arguments resolves every enabled entry through the interpolation
// collaborator and coerces the resolved strings into wire values.
func (inv *Invocation) Arguments(r Resolver, vars map[string]string) (map[string]interface{}, error) {
	args := make(map[string]interface{})
	for _, entry := range inv.Args {
		if !entry.Enabled {
			continue
		}
		resolved, err := resolveAll(r, entry.Value, vars)
		if err != nil {
			return nil, &ProtocolError{Reason: "failed to resolve argument " + entry.Key + ": " + err.Error()}
		}
		args[entry.Key] = coerceValue(resolved)
	}
	return args, nil
}

// coerceValue turns a resolved string into the value actually sent:
// numeric-looking trimmed strings become numbers, true/false become
// booleans, everything else stays a string.
func coerceValue(s string) interface{} {
	trimmed := strings.TrimSpace(s)
	switch trimmed {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}
	// ParseFloat accepts Inf/NaN spellings, which json.Marshal cannot
	// encode; such values stay strings.
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return s
}

// stringifyValue renders a schema default as an editable string.
func stringifyValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// describeProperty composes a one-line description from a schema
// property's type, format, enum, and description fields.
func describeProperty(prop map[string]interface{}) string {
	var parts []string

	if t, ok := prop["type"].(string); ok && t != "" {
		if format, ok := prop["format"].(string); ok && format != "" {
			t += " (" + format + ")"
		}
		parts = append(parts, t)
	}
	if enum, ok := prop["enum"].([]interface{}); ok && len(enum) > 0 {
		options := make([]string, len(enum))
		for i, option := range enum {
			options[i] = stringifyValue(option)
		}
		parts = append(parts, "one of: "+strings.Join(options, ", "))
	}
	if desc, ok := prop["description"].(string); ok && desc != "" {
		parts = append(parts, desc)
	}
	return strings.Join(parts, "; ")
}

// Invoker executes invocations through a connection. Invocations are
// independent of each other; the only shared piece is an executing flag
// for UI purposes, so overlapping invocations are allowed.
type Invoker struct {
	conn      *Connection
	executing atomic.Bool
}

// NewInvoker creates an Invoker for the connection.
func NewInvoker(conn *Connection) *Invoker {
	return &Invoker{conn: conn}
}

// Executing reports whether an invocation is currently in flight.
func (iv *Invoker) Executing() bool {
	return iv.executing.Load()
}

// Execute resolves and coerces the invocation's arguments, then calls the
// tool through the RPC correlation engine.
func (iv *Invoker) Execute(ctx context.Context, inv *Invocation) (*mcp.CallToolResult, error) {
	iv.executing.Store(true)
	defer iv.executing.Store(false)

	args, err := inv.Arguments(iv.conn.resolver, iv.conn.vars)
	if err != nil {
		return nil, err
	}

	raw, err := iv.conn.Call(ctx, methodToolsCall, mcp.CallToolParams{
		Name:      inv.Tool,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, &ProtocolError{Reason: "malformed tools/call result: " + err.Error()}
	}
	return result, nil
}
