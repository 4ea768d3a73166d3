package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// ChangeEvent identifies a catalog change emitted by the engine.
type ChangeEvent string

const (
	ToolsChanged     ChangeEvent = "toolsChanged"
	ResourcesChanged ChangeEvent = "resourcesChanged"
	PromptsChanged   ChangeEvent = "promptsChanged"
)

// Tool is one entry of the engine tool catalog.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Set         string
}

type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

type ResourceTemplate struct {
	URITemplate string
	Name        string
	Description string
	MimeType    string
	Annotations map[string]string
}

type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
}

type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// Request is the uniform envelope for engine dispatch.
type Request struct {
	ID        string
	Type      string
	Method    string
	Params    json.RawMessage
	Timestamp time.Time

	// Progress, when non-nil, receives informational updates during
	// long-running work. Implementations must poll ctx at progress points.
	Progress func(stage string, detail interface{})
}

// Failure carries the engine-side error of a failed request. Only Message
// is surfaced to clients; Details stay in logs.
type Failure struct {
	Message string
	Details map[string]interface{}
}

type Response struct {
	Success      bool
	Data         interface{}
	Error        *Failure
	QualityScore float64
}

// Engine is the downstream collaborator producing tool, resource and
// prompt results. The transport core invokes it and never blocks a lock
// across a call.
type Engine interface {
	Initialize(transport string) error
	Shutdown() error

	AvailableTools() []Tool
	AvailableResources() []Resource
	AvailableResourceTemplates() []ResourceTemplate
	AvailablePrompts() []Prompt

	// ProcessRequest performs one engine operation. It must honor ctx
	// cancellation cooperatively.
	ProcessRequest(ctx context.Context, req *Request) (*Response, error)

	// On registers a handler for catalog change events.
	On(event ChangeEvent, handler func())
}

// Emitter is an embeddable change-event fan-out for Engine implementations.
type Emitter struct {
	mu       sync.Mutex
	handlers map[ChangeEvent][]func()
}

func (e *Emitter) On(event ChangeEvent, handler func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[ChangeEvent][]func())
	}
	e.handlers[event] = append(e.handlers[event], handler)
}

// Emit invokes all handlers registered for event. Handlers run on the
// caller's goroutine and must not block.
func (e *Emitter) Emit(event ChangeEvent) {
	e.mu.Lock()
	handlers := append([]func(){}, e.handlers[event]...)
	e.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}
