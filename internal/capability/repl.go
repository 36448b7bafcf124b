package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// REPL is the interactive shell for exploring and invoking a capability
// server's tools.
type REPL struct {
	conn            *Connection
	invoker         *Invoker
	logger          *Logger
	rl              *readline.Instance
	stopChan        chan struct{}
	wg              sync.WaitGroup
	commandHandlers map[string]commandHandler

	// current is the invocation being edited; replaced wholesale when a
	// different tool is selected.
	current *Invocation
}

// NewREPL creates a REPL bound to a connection.
func NewREPL(conn *Connection, logger *Logger) *REPL {
	r := &REPL{
		conn:     conn,
		invoker:  NewInvoker(conn),
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	r.commandHandlers = r.buildCommandHandlers()
	return r
}

// Run starts the REPL loop.
func (r *REPL) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".capctl_history")

	config := &readline.Config{
		Prompt:          "cap> ",
		HistoryFile:     historyFile,
		AutoComplete:    r.createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.rl = rl

	r.wg.Add(1)
	go r.notificationListener(ctx)

	r.logger.Info("Interactive mode. Type 'help' for available commands. Use TAB for completion.")
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			close(r.stopChan)
			r.wg.Wait()
			r.logger.Info("Shutting down...")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			close(r.stopChan)
			r.wg.Wait()
			r.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				close(r.stopChan)
				r.wg.Wait()
				r.logger.Info("Goodbye!")
				return nil
			}
			r.logger.Error("Error: %v", err)
		}

		fmt.Println()
	}
}

// toolNames returns the cached tool names for tab completion.
func (r *REPL) toolNames() []string {
	tools := r.conn.Tools()
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return names
}

// buildPcItems converts a slice of strings to readline completer items
func buildPcItems(names []string) []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, name := range names {
		items[i] = readline.PcItem(name)
	}
	return items
}

// createCompleter creates the tab completion configuration
func (r *REPL) createCompleter() *readline.PrefixCompleter {
	toolCompleter := buildPcItems(r.toolNames())

	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
		readline.PcItem("status"),
		readline.PcItem("refresh"),
		readline.PcItem("discover"),
		readline.PcItem("login"),
		readline.PcItem("args", toolCompleter...),
		readline.PcItem("notifications",
			readline.PcItem("on"),
			readline.PcItem("off"),
		),
		readline.PcItem("list", readline.PcItem("tools")),
		readline.PcItem("describe", toolCompleter...),
		readline.PcItem("use", toolCompleter...),
		readline.PcItem("call", toolCompleter...),
	}
	return readline.NewPrefixCompleter(items...)
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// notificationListener surfaces pushed notifications while the prompt is
// up and refreshes the tool completion when the server's list changes.
func (r *REPL) notificationListener(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case notification := <-r.conn.Notifications():
			if r.rl != nil {
				_, _ = r.rl.Stdout().Write([]byte("\r\033[K"))
			}

			if notification.Method == notificationToolsListChanged {
				if err := r.conn.RefreshTools(ctx); err != nil {
					r.logger.Error("Failed to refresh tools: %v", err)
				} else if r.rl != nil {
					r.rl.Config.AutoComplete = r.createCompleter()
				}
			}

			if r.rl != nil {
				r.rl.Refresh()
			}
		}
	}
}

// commandHandler defines a REPL command with its handler and argument requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (r *REPL) buildCommandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		"help": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"?": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"exit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"quit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"status": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleStatus()
		}},
		"refresh": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleRefresh(ctx)
		}},
		"discover": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleDiscover(ctx)
		}},
		"login": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleLogin(ctx)
		}},
		"args": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			if len(parts) > 1 {
				return r.handleUse(parts[1])
			}
			return r.handleArgs()
		}},
		"list": {
			minArgs: 2,
			usage:   "usage: list tools",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleList(parts[1])
			},
		},
		"describe": {
			minArgs: 2,
			usage:   "usage: describe <tool>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleDescribe(strings.Join(parts[1:], " "))
			},
		},
		"use": {
			minArgs: 2,
			usage:   "usage: use <tool>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleUse(parts[1])
			},
		},
		"set": {
			minArgs: 3,
			usage:   "usage: set <key> <value>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleSet(parts[1], strings.Join(parts[2:], " "))
			},
		},
		"enable": {
			minArgs: 2,
			usage:   "usage: enable <key>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleToggle(parts[1], true)
			},
		},
		"disable": {
			minArgs: 2,
			usage:   "usage: disable <key>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleToggle(parts[1], false)
			},
		},
		"call": {
			minArgs: 1,
			usage:   "usage: call [tool [json-args]]",
			handler: func(ctx context.Context, parts []string) error {
				if len(parts) == 1 {
					return r.handleCallCurrent(ctx)
				}
				return r.handleCallTool(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
		"notifications": {
			minArgs: 2,
			usage:   "usage: notifications <on|off>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleNotifications(parts[1])
			},
		},
	}
}

// executeCommand parses and executes a command
func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := r.commandHandlers[command]
	if !exists {
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", command)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(ctx, parts)
}

// showHelp displays available commands
func (r *REPL) showHelp() error {
	fmt.Println("Available commands:")
	fmt.Println("  help, ?                  - Show this help message")
	fmt.Println("  status                   - Show connection state and endpoint")
	fmt.Println("  list tools               - List all available tools")
	fmt.Println("  describe <tool>          - Show a tool's description and input schema")
	fmt.Println("  use <tool>               - Select a tool and seed its arguments")
	fmt.Println("  args [tool]              - Show (optionally select) a tool's argument entries")
	fmt.Println("  set <key> <value>        - Set an argument value")
	fmt.Println("  enable/disable <key>     - Toggle whether an argument is sent")
	fmt.Println("  call                     - Execute the selected tool")
	fmt.Println("  call <tool> {json}       - Execute a tool with JSON arguments")
	fmt.Println("  refresh                  - Re-fetch the tool list")
	fmt.Println("  discover                 - Discover OAuth2 endpoints for this server")
	fmt.Println("  login                    - Run the interactive authorization flow")
	fmt.Println("  notifications <on|off>   - Enable/disable notification display")
	fmt.Println("  exit, quit               - Exit")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  use render")
	fmt.Println("  set template ${greeting}")
	fmt.Println("  call")
	fmt.Println("  call calculate {\"operation\": \"add\", \"x\": 5, \"y\": 3}")
	return nil
}

// handleNotifications enables or disables notification display
func (r *REPL) handleNotifications(setting string) error {
	switch strings.ToLower(setting) {
	case "on":
		r.logger.SetVerbose(true)
		fmt.Println("Notifications enabled")
	case "off":
		r.logger.SetVerbose(false)
		fmt.Println("Notifications disabled")
	default:
		return fmt.Errorf("invalid setting: %s. Use 'on' or 'off'", setting)
	}
	return nil
}
