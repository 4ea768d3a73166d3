package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// ToolFunc handles one tools/call style request for a LocalEngine tool.
type ToolFunc func(ctx context.Context, args json.RawMessage) (interface{}, error)

// ResourceFunc produces the text contents of a resource.
type ResourceFunc func(ctx context.Context, uri string) (string, error)

// PromptFunc renders a prompt with the given arguments.
type PromptFunc func(ctx context.Context, args map[string]string) (interface{}, error)

type localTool struct {
	tool Tool
	fn   ToolFunc
}

type localResource struct {
	resource Resource
	fn       ResourceFunc
}

type localPrompt struct {
	prompt Prompt
	fn     PromptFunc
}

// LocalEngine is an in-process Engine backed by registered handlers. It is
// the default engine for cmd/server and the fixture engine for transport
// tests; production deployments supply their own Engine.
type LocalEngine struct {
	Emitter

	mu        sync.Mutex
	tools     map[string]*localTool
	resources map[string]*localResource
	templates []ResourceTemplate
	prompts   map[string]*localPrompt
	missions  MissionFunc
}

// MissionFunc executes a mission objective. The default implementation
// reports a few progress stages and completes.
type MissionFunc func(ctx context.Context, objective string, progress func(stage string, detail interface{})) (interface{}, error)

func NewLocal() *LocalEngine {
	return &LocalEngine{
		tools:     make(map[string]*localTool),
		resources: make(map[string]*localResource),
		prompts:   make(map[string]*localPrompt),
	}
}

func (e *LocalEngine) Initialize(transport string) error { return nil }
func (e *LocalEngine) Shutdown() error                   { return nil }

// RegisterTool adds a tool whose input schema is reflected from args.
// Passing nil args registers a permissive object schema.
func (e *LocalEngine) RegisterTool(name, description, set string, args interface{}, fn ToolFunc) error {
	schema := json.RawMessage(`{"type":"object"}`)
	if args != nil {
		reflector := &jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
		}
		reflected := reflector.Reflect(args)
		data, err := json.Marshal(reflected)
		if err != nil {
			return fmt.Errorf("reflect schema for %s: %w", name, err)
		}
		schema = data
	}

	e.mu.Lock()
	e.tools[name] = &localTool{
		tool: Tool{Name: name, Description: description, InputSchema: schema, Set: set},
		fn:   fn,
	}
	e.mu.Unlock()

	e.Emit(ToolsChanged)
	return nil
}

func (e *LocalEngine) RegisterResource(r Resource, fn ResourceFunc) {
	e.mu.Lock()
	e.resources[r.URI] = &localResource{resource: r, fn: fn}
	e.mu.Unlock()
	e.Emit(ResourcesChanged)
}

func (e *LocalEngine) RegisterResourceTemplate(t ResourceTemplate) {
	e.mu.Lock()
	e.templates = append(e.templates, t)
	e.mu.Unlock()
	e.Emit(ResourcesChanged)
}

func (e *LocalEngine) RegisterPrompt(p Prompt, fn PromptFunc) {
	e.mu.Lock()
	e.prompts[p.Name] = &localPrompt{prompt: p, fn: fn}
	e.mu.Unlock()
	e.Emit(PromptsChanged)
}

// RegisterMission sets the mission handler invoked for mission/execute.
func (e *LocalEngine) RegisterMission(fn MissionFunc) {
	e.mu.Lock()
	e.missions = fn
	e.mu.Unlock()
}

func (e *LocalEngine) AvailableTools() []Tool {
	e.mu.Lock()
	defer e.mu.Unlock()

	tools := make([]Tool, 0, len(e.tools))
	for _, t := range e.tools {
		tools = append(tools, t.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func (e *LocalEngine) AvailableResources() []Resource {
	e.mu.Lock()
	defer e.mu.Unlock()

	resources := make([]Resource, 0, len(e.resources))
	for _, r := range e.resources {
		resources = append(resources, r.resource)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].URI < resources[j].URI })
	return resources
}

func (e *LocalEngine) AvailableResourceTemplates() []ResourceTemplate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ResourceTemplate{}, e.templates...)
}

func (e *LocalEngine) AvailablePrompts() []Prompt {
	e.mu.Lock()
	defer e.mu.Unlock()

	prompts := make([]Prompt, 0, len(e.prompts))
	for _, p := range e.prompts {
		prompts = append(prompts, p.prompt)
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts
}

func (e *LocalEngine) ProcessRequest(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch req.Type {
	case "tool":
		return e.callTool(ctx, req)
	case "resource":
		return e.readResource(ctx, req)
	case "prompt":
		return e.getPrompt(ctx, req)
	case "mission":
		return e.runMission(ctx, req)
	case "sampling":
		return &Response{
			Success: false,
			Error:   &Failure{Message: "sampling is not available on the local engine"},
		}, nil
	default:
		return &Response{
			Success: false,
			Error:   &Failure{Message: fmt.Sprintf("unknown request type %q", req.Type)},
		}, nil
	}
}

func (e *LocalEngine) callTool(ctx context.Context, req *Request) (*Response, error) {
	e.mu.Lock()
	t, ok := e.tools[req.Method]
	e.mu.Unlock()

	if !ok {
		return &Response{
			Success: false,
			Error:   &Failure{Message: fmt.Sprintf("tool not found: %s", req.Method)},
		}, nil
	}

	data, err := t.fn(ctx, req.Params)
	if err != nil {
		return &Response{Success: false, Error: &Failure{Message: err.Error()}}, nil
	}
	return &Response{Success: true, Data: data, QualityScore: 1}, nil
}

func (e *LocalEngine) readResource(ctx context.Context, req *Request) (*Response, error) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{Success: false, Error: &Failure{Message: "invalid resource params"}}, nil
	}

	e.mu.Lock()
	r, ok := e.resources[params.URI]
	e.mu.Unlock()

	if !ok {
		return &Response{
			Success: false,
			Error:   &Failure{Message: fmt.Sprintf("resource not found: %s", params.URI)},
		}, nil
	}

	text, err := r.fn(ctx, params.URI)
	if err != nil {
		return &Response{Success: false, Error: &Failure{Message: err.Error()}}, nil
	}
	return &Response{Success: true, Data: map[string]string{
		"uri":      params.URI,
		"mimeType": r.resource.MimeType,
		"text":     text,
	}}, nil
}

func (e *LocalEngine) getPrompt(ctx context.Context, req *Request) (*Response, error) {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{Success: false, Error: &Failure{Message: "invalid prompt params"}}, nil
	}

	e.mu.Lock()
	p, ok := e.prompts[params.Name]
	e.mu.Unlock()

	if !ok {
		return &Response{
			Success: false,
			Error:   &Failure{Message: fmt.Sprintf("prompt not found: %s", params.Name)},
		}, nil
	}

	data, err := p.fn(ctx, params.Arguments)
	if err != nil {
		return &Response{Success: false, Error: &Failure{Message: err.Error()}}, nil
	}
	return &Response{Success: true, Data: data}, nil
}

func (e *LocalEngine) runMission(ctx context.Context, req *Request) (*Response, error) {
	var params struct {
		Objective string `json:"objective"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{Success: false, Error: &Failure{Message: "invalid mission params"}}, nil
	}

	e.mu.Lock()
	fn := e.missions
	e.mu.Unlock()

	if fn == nil {
		fn = defaultMission
	}

	progress := req.Progress
	if progress == nil {
		progress = func(string, interface{}) {}
	}

	data, err := fn(ctx, params.Objective, progress)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Response{Success: false, Error: &Failure{Message: err.Error()}}, nil
	}
	return &Response{Success: true, Data: data, QualityScore: 1}, nil
}

func defaultMission(ctx context.Context, objective string, progress func(string, interface{})) (interface{}, error) {
	stages := []string{"planning", "executing", "verifying"}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress(stage, objective)
	}
	return map[string]string{
		"objective": objective,
		"summary":   fmt.Sprintf("completed: %s", strings.TrimSpace(objective)),
	}, nil
}
