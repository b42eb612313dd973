package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/metrics"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/observability"
)

// Tool names exposed to MCP clients.
const (
	ToolSessionCreate   = "session.create"
	ToolSessionConnect  = "session.connect"
	ToolSessionList     = "session.list"
	ToolSessionDestroy  = "session.destroy"
	ToolSessionEscalate = "session.escalate"
	ToolNavigate        = "inspect.navigate"
	ToolScreenshot      = "inspect.screenshot"
	ToolDOM             = "inspect.dom"
	ToolText            = "inspect.text"
	ToolConsole         = "inspect.console"
	ToolNetwork         = "inspect.network"
	ToolEvents          = "inspect.events"
	ToolClick           = "act.click"
	ToolType            = "act.type"
	ToolExecute         = "act.execute"
)

var errReasonRequired = errors.New("a non-empty reason is required for actions")

// toolFunc produces the text of a successful call.
type toolFunc func(ctx context.Context, req mcpgo.CallToolRequest) (string, error)

// tool pairs a definition with its handler.
type tool struct {
	def mcpgo.Tool
	fn  toolFunc
}

func sessionArg() mcpgo.ToolOption {
	return mcpgo.WithString("session", mcpgo.Required(), mcpgo.Description("Name of the browser session"))
}

func reasonArg(what string) mcpgo.ToolOption {
	return mcpgo.WithString("reason", mcpgo.Required(), mcpgo.Description("Justification for why this "+what+" is necessary"))
}

// tools lists every tool in registration order.
func (s *Server) tools() []tool {
	browserCfg := s.cfg.Browser()
	return []tool{
		{
			def: mcpgo.NewTool(ToolSessionCreate,
				mcpgo.WithDescription("Create a new browser session for observation. Sessions start in observation-only mode; actions require explicit escalation."),
				mcpgo.WithString("name", mcpgo.Required(), mcpgo.Description("Unique name for the session")),
				mcpgo.WithBoolean("headless", mcpgo.Description("Run the browser without a visible window"), mcpgo.DefaultBool(browserCfg.Headless)),
				mcpgo.WithNumber("viewportWidth", mcpgo.Description("Viewport width in pixels"), mcpgo.DefaultNumber(float64(browserCfg.ViewportWidth))),
				mcpgo.WithNumber("viewportHeight", mcpgo.Description("Viewport height in pixels"), mcpgo.DefaultNumber(float64(browserCfg.ViewportHeight))),
			),
			fn: s.sessionCreate,
		},
		{
			def: mcpgo.NewTool(ToolSessionConnect,
				mcpgo.WithDescription("Attach a new observation-only session to an already running browser over its remote debugging URL. Existing tabs are never closed."),
				mcpgo.WithString("name", mcpgo.Required(), mcpgo.Description("Unique name for the session")),
				mcpgo.WithString("cdpUrl", mcpgo.Required(), mcpgo.Description("Remote debugging URL, e.g. http://127.0.0.1:9222")),
			),
			fn: s.sessionConnect,
		},
		{
			def: mcpgo.NewTool(ToolSessionList,
				mcpgo.WithDescription("List all browser sessions with their status, event count and current URL."),
			),
			fn: s.sessionList,
		},
		{
			def: mcpgo.NewTool(ToolSessionDestroy,
				mcpgo.WithDescription("Destroy a browser session and clean up the resources it created."),
				mcpgo.WithString("name", mcpgo.Required(), mcpgo.Description("Name of the session to destroy")),
			),
			fn: s.sessionDestroy,
		},
		{
			def: mcpgo.NewTool(ToolSessionEscalate,
				mcpgo.WithDescription("Escalate a session to allow action tools (click, type, execute). This enables side effects; every action is logged."),
				mcpgo.WithString("name", mcpgo.Required(), mcpgo.Description("Name of the session to escalate")),
				mcpgo.WithString("reason", mcpgo.Required(), mcpgo.Description("Justification for why actions are needed")),
			),
			fn: s.sessionEscalate,
		},
		{
			def: mcpgo.NewTool(ToolNavigate,
				mcpgo.WithDescription("Navigate to a URL for observation. URLs without a scheme get https://."),
				sessionArg(),
				mcpgo.WithString("url", mcpgo.Required(), mcpgo.Description("URL to open")),
			),
			fn: s.inspectNavigate,
		},
		{
			def: mcpgo.NewTool(ToolScreenshot,
				mcpgo.WithDescription("Capture a PNG screenshot as a base64 data URI."),
				sessionArg(),
				mcpgo.WithBoolean("fullPage", mcpgo.Description("Capture the whole scrollable page"), mcpgo.DefaultBool(false)),
			),
			fn: s.inspectScreenshot,
		},
		{
			def: mcpgo.NewTool(ToolDOM,
				mcpgo.WithDescription("Get HTML of the page or of the first element matching a selector. Long documents are truncated."),
				sessionArg(),
				mcpgo.WithString("selector", mcpgo.Description("Optional CSS selector")),
			),
			fn: s.inspectDOM,
		},
		{
			def: mcpgo.NewTool(ToolText,
				mcpgo.WithDescription("Get visible text of the page or of the first element matching a selector."),
				sessionArg(),
				mcpgo.WithString("selector", mcpgo.Description("Optional CSS selector")),
			),
			fn: s.inspectText,
		},
		{
			def: mcpgo.NewTool(ToolConsole,
				mcpgo.WithDescription("Get console messages captured since the session was opened."),
				sessionArg(),
			),
			fn: s.inspectConsole,
		},
		{
			def: mcpgo.NewTool(ToolNetwork,
				mcpgo.WithDescription("Get network requests captured since the session was opened."),
				sessionArg(),
			),
			fn: s.inspectNetwork,
		},
		{
			def: mcpgo.NewTool(ToolEvents,
				mcpgo.WithDescription("Get the append-only audit log of the session in chronological order."),
				sessionArg(),
			),
			fn: s.inspectEvents,
		},
		{
			def: mcpgo.NewTool(ToolClick,
				mcpgo.WithDescription("Click an element. Requires an escalated session. Reports observed changes, not success."),
				sessionArg(),
				mcpgo.WithString("selector", mcpgo.Required(), mcpgo.Description("CSS selector of the element to click")),
				reasonArg("click"),
			),
			fn: s.actClick,
		},
		{
			def: mcpgo.NewTool(ToolType,
				mcpgo.WithDescription("Type text into an input. Requires an escalated session. Reports observed changes, not success."),
				sessionArg(),
				mcpgo.WithString("selector", mcpgo.Required(), mcpgo.Description("CSS selector of the input element")),
				mcpgo.WithString("text", mcpgo.Required(), mcpgo.Description("Text to type")),
				reasonArg("input"),
				mcpgo.WithBoolean("clearFirst", mcpgo.Description("Replace the current value instead of appending"), mcpgo.DefaultBool(false)),
			),
			fn: s.actType,
		},
		{
			def: mcpgo.NewTool(ToolExecute,
				mcpgo.WithDescription("Execute JavaScript in the page. Requires an escalated session. Reports observed changes, not success."),
				sessionArg(),
				mcpgo.WithString("script", mcpgo.Required(), mcpgo.Description("JavaScript to evaluate")),
				reasonArg("script"),
			),
			fn: s.actExecute,
		},
	}
}

// registerTools adds every tool to srv behind the instrumentation wrapper.
func (s *Server) registerTools(srv *mcpserver.MCPServer) {
	for _, t := range s.tools() {
		srv.AddTool(t.def, s.instrument(t.def.Name, t.fn))
	}
}

// instrument wraps fn with a span, metrics and error-to-text conversion.
// Tool calls never fail at the protocol level.
func (s *Server) instrument(name string, fn toolFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		start := time.Now()
		ctx, span := observability.StartSpan(ctx, "tool."+name,
			trace.WithAttributes(observability.AttrToolName.String(name)))
		defer span.End()

		session := req.GetString("session", req.GetString("name", ""))
		if session != "" {
			observability.SetAttributes(ctx, observability.AttrSessionName.String(session))
		}

		text, err := fn(ctx, req)
		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = metrics.OutcomeError
			observability.RecordError(ctx, err)
			observability.ToolLogger(s.logger, name, session).Debug("Tool call failed.", zap.Error(err))
			text = errorText(err)
		}
		observability.SetAttributes(ctx, observability.AttrToolOutcome.String(outcome))
		s.metrics.ObserveToolCall(name, err != nil, time.Since(start))
		return mcpgo.NewToolResultText(text), nil
	}
}

func requireReason(req mcpgo.CallToolRequest) (string, error) {
	reason, err := req.RequireString("reason")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reason) == "" {
		return "", errReasonRequired
	}
	return reason, nil
}

// -- Session tools --

func (s *Server) sessionCreate(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return "", err
	}
	browserCfg := s.cfg.Browser()
	opts := browser.SessionOptions{
		Headless:       req.GetBool("headless", browserCfg.Headless),
		ViewportWidth:  req.GetInt("viewportWidth", browserCfg.ViewportWidth),
		ViewportHeight: req.GetInt("viewportHeight", browserCfg.ViewportHeight),
	}
	created, err := s.manager.CreateSession(ctx, name, opts)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created session '%s' (observation-only mode)", created), nil
}

func (s *Server) sessionConnect(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return "", err
	}
	cdpURL, err := req.RequireString("cdpUrl")
	if err != nil {
		return "", err
	}
	connected, err := s.manager.ConnectSession(ctx, name, cdpURL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Connected session '%s' to %s (observation-only mode)", connected, cdpURL), nil
}

func (s *Server) sessionList(ctx context.Context, _ mcpgo.CallToolRequest) (string, error) {
	sessions, err := s.manager.ListSessions(ctx)
	if err != nil {
		return "", err
	}
	return FormatSessionList(sessions), nil
}

func (s *Server) sessionDestroy(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return "", err
	}
	destroyed, err := s.manager.DestroySession(ctx, name)
	if err != nil {
		return "", err
	}
	if !destroyed {
		return fmt.Sprintf("Session '%s' not found", name), nil
	}
	return fmt.Sprintf("Destroyed session '%s'", name), nil
}

func (s *Server) sessionEscalate(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return "", err
	}
	reason, err := requireReason(req)
	if err != nil {
		return "", err
	}
	res, err := s.manager.EscalateSession(ctx, name, reason)
	if err != nil {
		return "", err
	}
	return formatEscalation(name, reason, res), nil
}

// -- Inspect tools --

func (s *Server) inspectNavigate(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return "", err
	}
	url, err := req.RequireString("url")
	if err != nil {
		return "", err
	}
	res, err := s.manager.Navigate(ctx, session, url)
	if err != nil {
		return "", err
	}
	return formatNavigate(res), nil
}

func (s *Server) inspectScreenshot(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return "", err
	}
	png, err := s.manager.Screenshot(ctx, session, req.GetBool("fullPage", false))
	if err != nil {
		return "", err
	}
	return formatScreenshot(png), nil
}

func (s *Server) inspectDOM(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return "", err
	}
	snap, err := s.manager.DOM(ctx, session, req.GetString("selector", ""))
	if err != nil {
		return "", err
	}
	return formatDOM(snap), nil
}

func (s *Server) inspectText(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return "", err
	}
	res, err := s.manager.Text(ctx, session, req.GetString("selector", ""))
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (s *Server) inspectConsole(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return "", err
	}
	entries, err := s.manager.ConsoleLogs(ctx, session)
	if err != nil {
		return "", err
	}
	return formatJSON(entries, len(entries), "No console messages captured")
}

func (s *Server) inspectNetwork(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return "", err
	}
	entries, err := s.manager.NetworkLogs(ctx, session)
	if err != nil {
		return "", err
	}
	return formatJSON(entries, len(entries), "No network requests captured")
}

func (s *Server) inspectEvents(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return "", err
	}
	evs, err := s.manager.Events(ctx, session)
	if err != nil {
		return "", err
	}
	return formatJSON(evs, len(evs), "No events recorded")
}

// -- Act tools --

func (s *Server) actClick(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return "", err
	}
	selector, err := req.RequireString("selector")
	if err != nil {
		return "", err
	}
	reason, err := requireReason(req)
	if err != nil {
		return "", err
	}
	res, err := s.manager.Click(ctx, session, selector, reason)
	if err != nil {
		return "", err
	}
	return FormatActionResult(res), nil
}

func (s *Server) actType(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return "", err
	}
	selector, err := req.RequireString("selector")
	if err != nil {
		return "", err
	}
	text, err := req.RequireString("text")
	if err != nil {
		return "", err
	}
	reason, err := requireReason(req)
	if err != nil {
		return "", err
	}
	res, err := s.manager.Type(ctx, session, selector, text, reason, req.GetBool("clearFirst", false))
	if err != nil {
		return "", err
	}
	return FormatActionResult(res), nil
}

func (s *Server) actExecute(ctx context.Context, req mcpgo.CallToolRequest) (string, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return "", err
	}
	script, err := req.RequireString("script")
	if err != nil {
		return "", err
	}
	reason, err := requireReason(req)
	if err != nil {
		return "", err
	}
	res, err := s.manager.Execute(ctx, session, script, reason)
	if err != nil {
		return "", err
	}
	return FormatActionResult(res), nil
}
