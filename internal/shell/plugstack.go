// Package shell implements the per-node shell control plane: the plugin
// registry (§4.N), the mustache tag renderer (§4.M), and the shell core
// startup/run sequence (§4.L).
package shell

import (
	"os"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/log"
)

var logger = log.New(os.Stdout, "shell")

// Args is the shared pack/unpack container plugin handlers exchange with
// the call site.
type Args map[string]interface{}

// Handler is one plugin's reaction to a topic. A non-zero return aborts the
// rest of that topic's call chain with the returned error.
type Handler func(topic string, args Args) error

// Plugin is a named collection of topic handlers, analogous to a loaded
// `.so` in the original shell but expressed here as a plain Go value
// registered in-process.
type Plugin struct {
	Name     string
	Handlers map[string]Handler
}

type registration struct {
	name    string
	plugin  Plugin
}

// Plugstack is the ordered, named plugin registry described in §4.N.
type Plugstack struct {
	stack []registration
}

// NewPlugstack constructs an empty registry.
func NewPlugstack() *Plugstack {
	return &Plugstack{}
}

// Push appends plugin under name, shadowing nothing: a later Pop(name)
// removes only the most recently pushed registration under that name.
func (p *Plugstack) Push(name string, plugin Plugin) {
	p.stack = append(p.stack, registration{name: name, plugin: plugin})
}

// Pop removes the most recently pushed registration under name. It is a
// no-op if name is not present.
func (p *Plugstack) Pop(name string) {
	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i].name == name {
			p.stack = append(p.stack[:i], p.stack[i+1:]...)
			return
		}
	}
}

// Call invokes, in registration order, every plugin handler registered for
// topic. It stops and returns the first non-nil error any handler returns.
func (p *Plugstack) Call(topic string, args Args) error {
	for _, reg := range p.stack {
		handler, ok := reg.plugin.Handlers[topic]
		if !ok {
			continue
		}
		if err := handler(topic, args); err != nil {
			return ferrors.Wrapf(err, "plugin %s handling %s", reg.plugin.Name, topic)
		}
	}
	return nil
}

// HasHandler reports whether any registered plugin defines topic, used by
// the mustache renderer to distinguish "no plugin" (ENOENT) from a plugin
// that ran and failed.
func (p *Plugstack) HasHandler(topic string) bool {
	for _, reg := range p.stack {
		if _, ok := reg.plugin.Handlers[topic]; ok {
			return true
		}
	}
	return false
}
