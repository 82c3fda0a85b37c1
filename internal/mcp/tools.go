package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

func (s *MCPServer) handleGetStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status, err := s.api.GetStatus(ctx)
	if err != nil {
		return textError("failed to get status: " + err.Error()), nil
	}
	return textJSON(status)
}

func (s *MCPServer) handleListServices(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	services, err := s.api.GetServices(ctx)
	if err != nil {
		return textError("failed to list services: " + err.Error()), nil
	}
	return textJSON(services.Services)
}

func (s *MCPServer) handleTriggerSync(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	user, err := req.RequireString("user")
	if err != nil {
		return textError("missing required parameter: user"), nil
	}
	hid, err := req.RequireFloat("history_id")
	if err != nil {
		return textError("missing required parameter: history_id"), nil
	}
	if hid < 1 || hid != float64(uint64(hid)) {
		return textError(fmt.Sprintf("history_id must be a positive integer, got %v", hid)), nil
	}

	n := protocol.PushNotification{EmailAddress: user, HistoryID: protocol.HistoryID(uint64(hid))}
	if err := n.Validate(); err != nil {
		return textError(err.Error()), nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return textError("failed to marshal trigger: " + err.Error()), nil
	}

	if err := s.nc.Publish(protocol.SubjectTriggers, data); err != nil {
		return textError("failed to publish trigger: " + err.Error()), nil
	}
	s.nc.Flush()

	return textResult(fmt.Sprintf(`{"status":"triggered","user":%q,"subject":%q}`, user, protocol.SubjectTriggers)), nil
}

// textResult returns a successful text result.
func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

// textError returns an error text result.
func textError(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// textJSON marshals v to indented JSON and returns it as a text result.
func textJSON(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return textError("failed to marshal response: " + err.Error()), nil
	}
	return textResult(string(data)), nil
}
