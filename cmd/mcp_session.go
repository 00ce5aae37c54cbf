package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TalG1018/PsyCounselor/pkg/session"
	"github.com/TalG1018/PsyCounselor/pkg/window"
)

func (m *MCPServer) handleAddTurn(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	userText, _ := args["user_text"].(string)
	agentText, _ := args["agent_text"].(string)

	emotion := 0.0
	if v, ok := args["emotion_intensity"].(float64); ok {
		if v < 0 || v > 1 {
			return mcp.NewToolResultError("emotion_intensity must be between 0 and 1"), nil
		}
		emotion = v
	}

	var keywords []string
	if raw, ok := args["keywords"].([]interface{}); ok {
		for _, k := range raw {
			if s, ok := k.(string); ok && s != "" {
				keywords = append(keywords, s)
			}
		}
	}

	stats, err := m.registry.AddTurn(ctx, sessionID, window.TurnInput{
		UserText:         userText,
		AgentText:        agentText,
		EmotionIntensity: emotion,
		Keywords:         keywords,
	})
	resp := TurnResponse{SessionID: sessionID, Stats: stats}
	switch {
	case errors.Is(err, session.ErrNotPersisted):
		resp.Warning = err.Error()
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("add turn: %v", err)), nil
	}

	data, _ := json.MarshalIndent(resp, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func (m *MCPServer) handleGetContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	maxTurns := m.contextTurns
	if v, ok := args["max_turns"].(float64); ok {
		if v < 0 {
			return mcp.NewToolResultError("max_turns must not be negative"), nil
		}
		maxTurns = int(v)
	}

	text, err := m.registry.Context(ctx, sessionID, maxTurns)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context: %v", err)), nil
	}
	if text == "" {
		text = "(no turns recorded)"
	}
	return mcp.NewToolResultText(text), nil
}

func (m *MCPServer) handleGetStatistics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	stats, err := m.registry.Stats(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("statistics: %v", err)), nil
	}

	data, _ := json.MarshalIndent(stats, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func (m *MCPServer) handleGetTurns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	resp, err := sessionTurns(ctx, m.registry, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("turns: %v", err)), nil
	}

	data, _ := json.MarshalIndent(resp, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func (m *MCPServer) handleClearContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	if err := m.registry.Clear(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("clear: %v", err)), nil
	}

	data, _ := json.MarshalIndent(map[string]any{"session_id": sessionID, "cleared": true}, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}
