package core

import (
	"sort"
	"sync"

	"motionctl/protocol"
)

// CommandHandler handles one command line. It decodes its own arguments
// from the raw JSON object.
type CommandHandler func(line []byte) error

// Command is a registered firmware command
type Command struct {
	Name    string
	Handler CommandHandler
}

// UnknownCommandError is returned by Dispatch for unregistered names
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return "unknown command: " + e.Name
}

// CommandError is a rejection reported back as {"status":"error",...}
type CommandError struct {
	Message string
	ID      int
	HasID   bool
}

func (e *CommandError) Error() string {
	return e.Message
}

func rejectAxis(id int, message string) error {
	return &CommandError{Message: message, ID: id, HasID: true}
}

// CommandRegistry holds all registered commands
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewCommandRegistry creates a new command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[string]*Command),
	}
}

// Register adds a command handler. Registering a name twice replaces the handler.
func (r *CommandRegistry) Register(name string, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = &Command{Name: name, Handler: handler}
}

// GetCommand retrieves a command by name
func (r *CommandRegistry) GetCommand(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Count returns the number of registered commands
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Names returns the registered command names in sorted order
func (r *CommandRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch decodes the command name from a line and calls its handler
func (r *CommandRegistry) Dispatch(line []byte) error {
	name, err := protocol.CommandName(line)
	if err != nil {
		return err
	}

	cmd, ok := r.GetCommand(name)
	if !ok {
		return &UnknownCommandError{Name: name}
	}
	return cmd.Handler(line)
}
