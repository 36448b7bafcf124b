package capability

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func schemaTool() mcp.Tool {
	return mcp.Tool{
		Name:        "calculate",
		Description: "Performs arithmetic",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"operation": map[string]interface{}{
					"type":        "string",
					"enum":        []interface{}{"add", "subtract"},
					"description": "What to do",
				},
				"x": map[string]interface{}{"type": "number", "default": float64(5)},
				"y": map[string]interface{}{"type": "number"},
				"verbose": map[string]interface{}{
					"type":    "boolean",
					"default": true,
				},
			},
			Required: []string{"operation", "x", "y"},
		},
	}
}

func TestNewInvocationSeedsFromSchema(t *testing.T) {
	inv := NewInvocation(schemaTool())

	if inv.Tool != "calculate" {
		t.Errorf("unexpected tool name %q", inv.Tool)
	}
	if len(inv.Args) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(inv.Args))
	}

	// Entries are ordered by key.
	keys := make([]string, len(inv.Args))
	for i, entry := range inv.Args {
		keys[i] = entry.Key
		if !entry.Enabled {
			t.Errorf("expected entry %s seeded enabled", entry.Key)
		}
	}
	want := []string{"operation", "verbose", "x", "y"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, keys)
		}
	}

	byKey := make(map[string]ArgumentEntry)
	for _, entry := range inv.Args {
		byKey[entry.Key] = entry
	}

	if byKey["x"].Value != "5" {
		t.Errorf("expected numeric default stringified to 5, got %q", byKey["x"].Value)
	}
	if byKey["verbose"].Value != "true" {
		t.Errorf("expected boolean default stringified, got %q", byKey["verbose"].Value)
	}
	if byKey["y"].Value != "" {
		t.Errorf("expected no default for y, got %q", byKey["y"].Value)
	}

	desc := byKey["operation"].Description
	if !strings.Contains(desc, "string") || !strings.Contains(desc, "one of: add, subtract") || !strings.Contains(desc, "What to do") {
		t.Errorf("unexpected composed description %q", desc)
	}
}

func TestInvocationSetAndToggle(t *testing.T) {
	inv := NewInvocation(schemaTool())

	if !inv.SetArgument("x", "12") {
		t.Error("expected SetArgument to find x")
	}
	if inv.SetArgument("nope", "v") {
		t.Error("expected SetArgument to miss unknown key")
	}
	if !inv.EnableArgument("verbose", false) {
		t.Error("expected EnableArgument to find verbose")
	}
	if inv.EnableArgument("nope", true) {
		t.Error("expected EnableArgument to miss unknown key")
	}
}

func TestInvocationArguments(t *testing.T) {
	inv := NewInvocation(schemaTool())
	inv.SetArgument("operation", "add")
	inv.SetArgument("x", "${left}")
	inv.SetArgument("y", "3.5")
	inv.EnableArgument("verbose", false)

	args, err := inv.Arguments(NewVarResolver(), map[string]string{"left": "7"})
	if err != nil {
		t.Fatalf("Arguments failed: %v", err)
	}

	if args["operation"] != "add" {
		t.Errorf("expected string value, got %#v", args["operation"])
	}
	if args["x"] != int64(7) {
		t.Errorf("expected resolved integer 7, got %#v", args["x"])
	}
	if args["y"] != 3.5 {
		t.Errorf("expected float 3.5, got %#v", args["y"])
	}
	if _, present := args["verbose"]; present {
		t.Error("expected disabled entry to be omitted")
	}
}

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
	}{
		{"true", true},
		{"false", false},
		{" true ", true},
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"3.14", 3.14},
		{"hello", "hello"},
		{"", ""},
		{"True", "True"},
		{"12abc", "12abc"},
		{"Inf", "Inf"},
		{"-Inf", "-Inf"},
		{"Infinity", "Infinity"},
		{"NaN", "NaN"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := coerceValue(tt.in); got != tt.want {
				t.Errorf("coerceValue(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestInvokerExecute(t *testing.T) {
	ms := newMockCapServer(t)
	defer ms.Close()

	var gotArgs map[string]interface{}
	ms.callHandler = func(params json.RawMessage) (interface{}, *rpcErrorBody) {
		var p struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			t.Errorf("failed to decode call params: %v", err)
		}
		if p.Name != "echo" {
			t.Errorf("unexpected tool name %q", p.Name)
		}
		gotArgs = p.Arguments
		return map[string]interface{}{
			"content": []map[string]interface{}{{"type": "text", "text": "echoed"}},
		}, nil
	}

	c := newTestConnection(ms)
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	tool := c.FindTool("echo")
	if tool == nil {
		t.Fatal("echo tool missing")
	}
	inv := NewInvocation(*tool)
	inv.SetArgument("text", "hello")

	invoker := NewInvoker(c)
	result, err := invoker.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if gotArgs["text"] != "hello" {
		t.Errorf("expected argument forwarded, got %#v", gotArgs)
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(result.Content))
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok || text.Text != "echoed" {
		t.Errorf("unexpected content %#v", result.Content[0])
	}
	if invoker.Executing() {
		t.Error("expected executing flag cleared after completion")
	}
}

func TestInvokerExecuteToolError(t *testing.T) {
	ms := newMockCapServer(t)
	defer ms.Close()
	ms.callHandler = func(json.RawMessage) (interface{}, *rpcErrorBody) {
		return nil, &rpcErrorBody{Code: -32000, Message: "tool exploded"}
	}

	c := newTestConnection(ms)
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	inv := NewInvocation(*c.FindTool("ping"))
	_, err := NewInvoker(c).Execute(context.Background(), inv)
	if err == nil {
		t.Fatal("expected RPC error to surface")
	}
	if !strings.Contains(err.Error(), "tool exploded") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestStringifyValue(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"string passes through", "abc", "abc"},
		{"number", float64(5), "5"},
		{"bool", true, "true"},
		{"object", map[string]interface{}{"a": 1}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stringifyValue(tt.in); got != tt.want {
				t.Errorf("stringifyValue(%#v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
