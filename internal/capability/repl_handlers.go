package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// handleStatus shows the connection state, endpoint, and server identity.
func (r *REPL) handleStatus() error {
	state, status := r.conn.State()
	fmt.Printf("State:    %s\n", state)
	if status != "" {
		fmt.Printf("Status:   %s\n", status)
	}

	profile := r.conn.Profile()
	fmt.Printf("Server:   %s\n", profile.URL)
	if endpoint := r.conn.Endpoint(); endpoint != "" {
		fmt.Printf("Endpoint: %s\n", endpoint)
	}
	fmt.Printf("Auth:     %s\n", profile.Auth.Type)

	if info := r.conn.ServerInfo(); info != nil {
		fmt.Printf("Remote:   %s %s (protocol %s)\n", info.ServerInfo.Name, info.ServerInfo.Version, info.ProtocolVersion)
	}
	if r.current != nil {
		fmt.Printf("Tool:     %s\n", r.current.Tool)
	}
	return nil
}

// handleRefresh re-fetches the tool list and rebuilds tab completion.
func (r *REPL) handleRefresh(ctx context.Context) error {
	if err := r.conn.RefreshTools(ctx); err != nil {
		return err
	}
	if r.rl != nil {
		r.rl.Config.AutoComplete = r.createCompleter()
	}
	r.logger.Success("Tool list refreshed, %d tools", len(r.conn.Tools()))
	return nil
}

// handleList lists the cached tools.
func (r *REPL) handleList(what string) error {
	if strings.ToLower(what) != "tools" {
		return fmt.Errorf("unknown list target: %s. Try 'list tools'", what)
	}

	tools := r.conn.Tools()
	if len(tools) == 0 {
		fmt.Println("No tools available")
		return nil
	}

	fmt.Printf("Available tools (%d):\n", len(tools))
	for _, tool := range tools {
		desc := tool.Description
		if idx := strings.IndexByte(desc, '\n'); idx != -1 {
			desc = desc[:idx]
		}
		if desc != "" {
			fmt.Printf("  %-30s %s\n", tool.Name, desc)
		} else {
			fmt.Printf("  %s\n", tool.Name)
		}
	}
	return nil
}

// handleDescribe shows a tool's description and input schema.
func (r *REPL) handleDescribe(name string) error {
	tool := r.conn.FindTool(name)
	if tool == nil {
		return fmt.Errorf("unknown tool: %s", name)
	}

	fmt.Printf("Tool: %s\n", tool.Name)
	if tool.Description != "" {
		fmt.Printf("\n%s\n", tool.Description)
	}

	if len(tool.InputSchema.Properties) > 0 {
		fmt.Println("\nInput schema:")
		fmt.Println(PrettyJSON(tool.InputSchema))
	} else {
		fmt.Println("\nNo input parameters")
	}
	return nil
}

// handleUse selects a tool, discarding any previously edited arguments.
func (r *REPL) handleUse(name string) error {
	tool := r.conn.FindTool(name)
	if tool == nil {
		return fmt.Errorf("unknown tool: %s", name)
	}

	r.current = NewInvocation(*tool)
	r.logger.Success("Selected %s (%d arguments)", name, len(r.current.Args))
	return r.handleArgs()
}

// handleArgs shows the selected tool's argument entries.
func (r *REPL) handleArgs() error {
	if r.current == nil {
		return fmt.Errorf("no tool selected. Use 'use <tool>' first")
	}

	if len(r.current.Args) == 0 {
		fmt.Printf("%s takes no arguments\n", r.current.Tool)
		return nil
	}

	fmt.Printf("Arguments for %s:\n", r.current.Tool)
	for _, entry := range r.current.Args {
		marker := " "
		if !entry.Enabled {
			marker = "-"
		}
		fmt.Printf("  %s %-20s = %q\n", marker, entry.Key, entry.Value)
		if entry.Description != "" {
			fmt.Printf("      %s\n", entry.Description)
		}
	}
	return nil
}

// handleSet updates one argument value on the selected tool.
func (r *REPL) handleSet(key, value string) error {
	if r.current == nil {
		return fmt.Errorf("no tool selected. Use 'use <tool>' first")
	}
	if !r.current.SetArgument(key, value) {
		return fmt.Errorf("no argument named %s on %s", key, r.current.Tool)
	}
	fmt.Printf("%s = %q\n", key, value)
	return nil
}

// handleToggle enables or disables one argument entry.
func (r *REPL) handleToggle(key string, enabled bool) error {
	if r.current == nil {
		return fmt.Errorf("no tool selected. Use 'use <tool>' first")
	}
	if !r.current.EnableArgument(key, enabled) {
		return fmt.Errorf("no argument named %s on %s", key, r.current.Tool)
	}
	if enabled {
		fmt.Printf("%s enabled\n", key)
	} else {
		fmt.Printf("%s disabled\n", key)
	}
	return nil
}

// handleCallCurrent executes the selected tool with its edited arguments.
func (r *REPL) handleCallCurrent(ctx context.Context) error {
	if r.current == nil {
		return fmt.Errorf("no tool selected. Use 'use <tool>' first")
	}
	result, err := r.invoker.Execute(ctx, r.current)
	if err != nil {
		return err
	}
	printCallResult(result)
	return nil
}

// handleCallTool executes a tool directly; JSON arguments override the
// schema-seeded defaults.
func (r *REPL) handleCallTool(ctx context.Context, name, jsonArgs string) error {
	tool := r.conn.FindTool(name)
	if tool == nil {
		return fmt.Errorf("unknown tool: %s", name)
	}

	inv := NewInvocation(*tool)
	if jsonArgs != "" {
		var overrides map[string]interface{}
		if err := json.Unmarshal([]byte(jsonArgs), &overrides); err != nil {
			return fmt.Errorf("invalid JSON arguments: %w", err)
		}
		for key, value := range overrides {
			str := stringifyValue(value)
			if !inv.SetArgument(key, str) {
				inv.Args = append(inv.Args, ArgumentEntry{Key: key, Value: str, Enabled: true})
			}
		}
	}

	result, err := r.invoker.Execute(ctx, inv)
	if err != nil {
		return err
	}
	printCallResult(result)
	return nil
}

// handleDiscover resolves OAuth2 endpoints for the profile's server.
func (r *REPL) handleDiscover(ctx context.Context) error {
	profile := r.conn.Profile()

	discoverer := NewDiscoverer(r.logger, WithRelay(profile.RelayURL))
	if err := discoverer.Discover(ctx, profile.URL, &profile.Auth); err != nil {
		return err
	}

	fmt.Printf("Authorization URL: %s\n", profile.Auth.AuthorizationURL)
	if profile.Auth.TokenURL != "" {
		fmt.Printf("Token URL:         %s\n", profile.Auth.TokenURL)
	}
	if profile.Auth.Scope != "" {
		fmt.Printf("Scope:             %s\n", profile.Auth.Scope)
	}
	return nil
}

// handleLogin runs the interactive authorization flow for the profile's
// oauth2 credential.
func (r *REPL) handleLogin(ctx context.Context) error {
	profile := r.conn.Profile()
	if profile.Auth.Type != AuthOAuth2 {
		return fmt.Errorf("profile auth type is %s, not oauth2. Run 'discover' first", profile.Auth.Type)
	}

	flow := NewAuthFlow(&profile.Auth, r.logger)
	if err := flow.Authorize(ctx); err != nil {
		return err
	}
	r.logger.Info("Reconnect to apply the new credential")
	return nil
}

// printCallResult renders a tools/call result to stdout.
func printCallResult(result *mcp.CallToolResult) {
	if result.IsError {
		fmt.Println("Tool reported an error:")
	}
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			fmt.Println(text.Text)
			continue
		}
		if img, ok := mcp.AsImageContent(content); ok {
			fmt.Printf("[image %s, %d bytes base64]\n", img.MIMEType, len(img.Data))
			continue
		}
		if audio, ok := mcp.AsAudioContent(content); ok {
			fmt.Printf("[audio %s, %d bytes base64]\n", audio.MIMEType, len(audio.Data))
			continue
		}
		fmt.Println(PrettyJSON(content))
	}
	if len(result.Content) == 0 && !result.IsError {
		fmt.Println("(empty result)")
	}
}
