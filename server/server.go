package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oneagent/transportcore/engine"
	"github.com/oneagent/transportcore/protocol"
)

// DefaultRequestTimeout bounds one dispatched request.
const DefaultRequestTimeout = 30 * time.Second

// Options configures a Dispatcher.
type Options struct {
	ServerInfo      protocol.ServerInfo
	Instructions    string
	ProtocolVersion string
	RequestTimeout  time.Duration
	SamplingEnabled bool
	OAuth2          *protocol.OAuth2Capability
	Clock           Clock
	Logger          *slog.Logger
}

// Dispatcher maps MCP methods to engine calls and shapes JSON-RPC
// results and errors. It is shared by the HTTP and stdio transports and
// holds no per-connection state besides pending request cancellation.
type Dispatcher struct {
	engine engine.Engine
	opts   Options

	handler Handler

	mu      sync.Mutex
	pending map[string]context.CancelFunc
}

func NewDispatcher(eng engine.Engine, opts Options) *Dispatcher {
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = protocol.MCPVersion
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		engine:  eng,
		opts:    opts,
		pending: make(map[string]context.CancelFunc),
	}
	d.handler = d.dispatch
	return d
}

type cancelScopeKey struct{}

// WithCancelScope tags ctx with the connection or session a request
// arrived on. notifications/cancelled only reaches in-flight requests
// carrying the same scope, so clients cannot cancel each other's ids.
func WithCancelScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, cancelScopeKey{}, scope)
}

func pendingKey(ctx context.Context, requestID string) string {
	scope, _ := ctx.Value(cancelScopeKey{}).(string)
	return scope + "\x00" + requestID
}

// ProtocolVersion returns the version advertised in response headers.
func (d *Dispatcher) ProtocolVersion() string { return d.opts.ProtocolVersion }

// ServerInfo returns the advertised server identity.
func (d *Dispatcher) ServerInfo() protocol.ServerInfo { return d.opts.ServerInfo }

// Engine exposes the downstream engine for transports that stream from it.
func (d *Dispatcher) Engine() engine.Engine { return d.engine }

// Use wraps the dispatch pipeline with middleware, applied onion-style.
func (d *Dispatcher) Use(middlewares ...Middleware) {
	for i := len(middlewares) - 1; i >= 0; i-- {
		d.handler = middlewares[i](d.handler)
	}
}

// Handle processes one validated JSON-RPC message and returns the
// response, or nil for notifications. Envelope validation is the
// transport's job; Handle assumes a well-formed message.
func (d *Dispatcher) Handle(ctx context.Context, msg *protocol.JSONRPCMessage) *protocol.JSONRPCMessage {
	if msg.IsNotification() {
		d.handleNotification(ctx, msg)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()

	key := pendingKey(ctx, msg.GetIDString())
	d.mu.Lock()
	d.pending[key] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
	}()

	return d.handler(ctx, msg)
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *protocol.JSONRPCMessage) (resp *protocol.JSONRPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.opts.Logger.Error("panic in dispatch",
				slog.String("method", msg.Method),
				slog.Any("panic", r),
			)
			resp = d.internalError(msg.ID, fmt.Errorf("panic: %v", r))
		}
	}()

	result, err := d.handleMethod(ctx, msg)
	if err != nil {
		return d.errorResponse(msg.ID, err)
	}
	return protocol.NewResult(msg.ID, result)
}

func (d *Dispatcher) handleMethod(ctx context.Context, msg *protocol.JSONRPCMessage) (interface{}, error) {
	switch msg.Method {
	case protocol.MethodInitialize:
		return d.handleInitialize(msg.Params)
	case protocol.NotificationInitialized:
		// Clients occasionally send this as a request; ack with an
		// empty result rather than rejecting.
		return &protocol.EmptyResult{}, nil
	case protocol.MethodPing:
		return &protocol.EmptyResult{}, nil
	case protocol.MethodToolsList:
		return d.handleListTools(), nil
	case protocol.MethodToolsCall:
		return d.handleCallTool(ctx, msg)
	case protocol.MethodToolsSets:
		return d.handleToolSets(), nil
	case protocol.MethodResourcesList:
		return d.handleListResources(), nil
	case protocol.MethodResourcesRead:
		return d.handleReadResource(ctx, msg)
	case protocol.MethodResourcesTemplates:
		return d.handleResourceTemplates(), nil
	case protocol.MethodPromptsList:
		return d.handleListPrompts(), nil
	case protocol.MethodPromptsGet:
		return d.handleGetPrompt(ctx, msg)
	case protocol.MethodSamplingCreateMessage:
		return d.handleCreateMessage(ctx, msg)
	case protocol.MethodAuthStatus:
		return d.handleAuthStatus(), nil
	default:
		return nil, MethodNotFound(msg.Method)
	}
}

func (d *Dispatcher) handleNotification(ctx context.Context, msg *protocol.JSONRPCMessage) {
	switch msg.Method {
	case protocol.NotificationInitialized:
		// No state beyond the transport's initialized flag.
	case protocol.NotificationCancelled:
		var params protocol.CancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		id := fmt.Sprintf("%v", params.RequestID)
		if f, ok := params.RequestID.(float64); ok && f == float64(int64(f)) {
			id = fmt.Sprintf("%.0f", f)
		}
		d.mu.Lock()
		cancel, ok := d.pending[pendingKey(ctx, id)]
		d.mu.Unlock()
		if ok {
			cancel()
		}
	default:
		d.opts.Logger.Debug("ignoring unknown notification", slog.String("method", msg.Method))
	}
}

func (d *Dispatcher) handleInitialize(params json.RawMessage) (interface{}, error) {
	var req protocol.InitializeParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, InvalidParamsError("invalid initialize params")
	}
	if req.ProtocolVersion == "" || req.ClientInfo.Name == "" {
		return nil, InvalidParamsError("protocolVersion and clientInfo.name are required")
	}

	// Echo a supported client version; otherwise offer the latest.
	version := d.opts.ProtocolVersion
	if protocol.IsVersionSupported(req.ProtocolVersion) {
		version = req.ProtocolVersion
	}

	capabilities := protocol.ServerCapabilities{
		Tools:     &protocol.ToolsCapability{ListChanged: true, ToolSets: true},
		Resources: &protocol.ResourcesCapability{ListChanged: true, Templates: true},
		Prompts:   &protocol.PromptsCapability{ListChanged: true},
		Logging:   &protocol.LoggingCapability{},
	}
	if d.opts.SamplingEnabled {
		capabilities.Sampling = &protocol.SamplingCapability{Enabled: true}
	}
	if d.opts.OAuth2 != nil {
		capabilities.Auth = &protocol.AuthCapability{OAuth2: d.opts.OAuth2}
	}

	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    capabilities,
		ServerInfo:      d.opts.ServerInfo,
		Instructions:    d.opts.Instructions,
	}, nil
}

func (d *Dispatcher) handleListTools() *protocol.ListToolsResult {
	tools := d.engine.AvailableTools()
	out := make([]protocol.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, protocol.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return &protocol.ListToolsResult{Tools: out}
}

func (d *Dispatcher) handleToolSets() *protocol.ListToolSetsResult {
	grouped := make(map[string][]string)
	var order []string
	for _, t := range d.engine.AvailableTools() {
		set := t.Set
		if set == "" {
			set = "default"
		}
		if _, ok := grouped[set]; !ok {
			order = append(order, set)
		}
		grouped[set] = append(grouped[set], t.Name)
	}

	sets := make([]protocol.ToolSet, 0, len(order))
	for _, name := range order {
		sets = append(sets, protocol.ToolSet{Name: name, Tools: grouped[name]})
	}
	return &protocol.ListToolSetsResult{ToolSets: sets}
}

func (d *Dispatcher) handleCallTool(ctx context.Context, msg *protocol.JSONRPCMessage) (interface{}, error) {
	var params protocol.CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, InvalidParamsError("invalid tools/call params")
	}
	if params.Name == "" {
		return nil, InvalidParamsError("tool name is required")
	}
	if len(params.Arguments) == 0 {
		return nil, InvalidParamsError("tool arguments are required")
	}

	resp, err := d.process(ctx, msg, "tool", params.Name, params.Arguments)
	if err != nil {
		return nil, err
	}

	return &protocol.CallToolResult{
		ToolResult: protocol.ToolResult{
			Type:    "json",
			Data:    resp.Data,
			Success: resp.Success,
		},
		IsError: false,
	}, nil
}

func (d *Dispatcher) handleListResources() *protocol.ListResourcesResult {
	resources := d.engine.AvailableResources()
	out := make([]protocol.Resource, 0, len(resources))
	for _, r := range resources {
		out = append(out, protocol.Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
		})
	}
	return &protocol.ListResourcesResult{Resources: out}
}

func (d *Dispatcher) handleResourceTemplates() *protocol.ListResourceTemplatesResult {
	templates := d.engine.AvailableResourceTemplates()
	out := make([]protocol.ResourceTemplate, 0, len(templates))
	for _, t := range templates {
		out = append(out, protocol.ResourceTemplate{
			URITemplate: t.URITemplate,
			Name:        t.Name,
			Description: t.Description,
			MimeType:    t.MimeType,
			Annotations: t.Annotations,
		})
	}
	return &protocol.ListResourceTemplatesResult{ResourceTemplates: out}
}

func (d *Dispatcher) handleReadResource(ctx context.Context, msg *protocol.JSONRPCMessage) (interface{}, error) {
	var params protocol.ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return nil, InvalidParamsError("resource uri is required")
	}

	resp, err := d.process(ctx, msg, "resource", protocol.MethodResourcesRead, msg.Params)
	if err != nil {
		return nil, err
	}

	contents := protocol.ResourceContents{URI: params.URI}
	if m, ok := resp.Data.(map[string]string); ok {
		contents.MimeType = m["mimeType"]
		contents.Text = m["text"]
	} else if m, ok := resp.Data.(map[string]interface{}); ok {
		contents.MimeType, _ = m["mimeType"].(string)
		contents.Text, _ = m["text"].(string)
	}

	return &protocol.ReadResourceResult{
		Contents: []protocol.ResourceContents{contents},
	}, nil
}

func (d *Dispatcher) handleListPrompts() *protocol.ListPromptsResult {
	prompts := d.engine.AvailablePrompts()
	out := make([]protocol.Prompt, 0, len(prompts))
	for _, p := range prompts {
		args := make([]protocol.PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, protocol.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			})
		}
		out = append(out, protocol.Prompt{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   args,
		})
	}
	return &protocol.ListPromptsResult{Prompts: out}
}

func (d *Dispatcher) handleGetPrompt(ctx context.Context, msg *protocol.JSONRPCMessage) (interface{}, error) {
	var params protocol.GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return nil, InvalidParamsError("prompt name is required")
	}

	resp, err := d.process(ctx, msg, "prompt", protocol.MethodPromptsGet, msg.Params)
	if err != nil {
		return nil, err
	}

	if result, ok := resp.Data.(*protocol.GetPromptResult); ok {
		return result, nil
	}
	return &protocol.GetPromptResult{
		Messages: []protocol.PromptMessage{{Role: "user", Content: resp.Data}},
	}, nil
}

func (d *Dispatcher) handleCreateMessage(ctx context.Context, msg *protocol.JSONRPCMessage) (interface{}, error) {
	if !d.opts.SamplingEnabled {
		return nil, MethodNotFound(protocol.MethodSamplingCreateMessage)
	}

	var params protocol.CreateMessageParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || len(params.Messages) == 0 {
		return nil, InvalidParamsError("sampling messages are required")
	}

	resp, err := d.process(ctx, msg, "sampling", protocol.MethodSamplingCreateMessage, msg.Params)
	if err != nil {
		return nil, err
	}

	if result, ok := resp.Data.(*protocol.CreateMessageResult); ok {
		return result, nil
	}
	return &protocol.CreateMessageResult{
		Role:    "assistant",
		Content: resp.Data,
		Model:   params.Model,
	}, nil
}

func (d *Dispatcher) handleAuthStatus() *protocol.AuthStatusResult {
	result := &protocol.AuthStatusResult{}
	if d.opts.OAuth2 != nil {
		result.Enabled = true
		result.Scopes = d.opts.OAuth2.Scopes
	}
	return result
}

// process runs one engine call with the uniform request envelope.
func (d *Dispatcher) process(ctx context.Context, msg *protocol.JSONRPCMessage, typ, method string, params json.RawMessage) (*engine.Response, error) {
	resp, err := d.engine.ProcessRequest(ctx, &engine.Request{
		ID:        msg.GetIDString(),
		Type:      typ,
		Method:    method,
		Params:    params,
		Timestamp: d.opts.Clock.Now(),
	})
	if err != nil {
		return nil, WrapError(CodeInternal, KindEngine, "engine request failed", err)
	}
	if !resp.Success {
		message := "engine request failed"
		if resp.Error != nil {
			message = resp.Error.Message
		}
		return nil, NewError(CodeInternal, KindEngine, message)
	}
	return resp, nil
}

func (d *Dispatcher) errorResponse(id json.RawMessage, err error) *protocol.JSONRPCMessage {
	se := AsError(err)
	if se.Code == CodeInternal {
		return d.internalError(id, se)
	}
	return protocol.NewError(id, se.JSONRPCCode(), se.Message, nil)
}

// internalError sanitizes unhandled failures: the cause stays in logs,
// clients get the message plus a timestamp.
func (d *Dispatcher) internalError(id json.RawMessage, err error) *protocol.JSONRPCMessage {
	se := AsError(err)
	d.opts.Logger.Error("internal error", slog.String("error", se.Error()))
	return protocol.NewError(id, protocol.InternalError, se.Message, map[string]interface{}{
		"timestamp": d.opts.Clock.Now().UTC().Format(time.RFC3339),
	})
}
