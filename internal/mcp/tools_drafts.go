package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/models"
	"github.com/bizmatters/contract-studio/internal/store"
)

func registerDraftTools(addTool toolAdder, conversations store.ConversationStore) {
	if conversations == nil {
		return
	}

	addTool("save_draft", mcp.NewTool("save_draft",
		mcp.WithDescription("Save or update a conversation draft. Fields left out keep their stored values."),
		mcp.WithString("conversation_id", mcp.Description("Draft to update; a new draft is created when empty or unknown")),
		mcp.WithString("title", mcp.Description("Draft title")),
		mcp.WithArray("messages", mcp.Description("Chat messages, each with role and content")),
		mcp.WithObject("spec", mcp.Description("Contract specification document")),
		mcp.WithString("code", mcp.Description("Generated contract code")),
		mcp.WithString("language", mcp.Description("Code language"), mcp.Enum(string(contract.LanguagePython), string(contract.LanguageCSharp))),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := models.SaveConversationRequest{
			ConversationID: mcp.ParseString(request, "conversation_id", ""),
			Title:          mcp.ParseString(request, "title", ""),
			Language:       mcp.ParseString(request, "language", ""),
		}
		if _, err := decodeArgument(request, "messages", &req.Messages); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var spec json.RawMessage
		ok, err := decodeArgument(request, "spec", &spec)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if ok {
			var doc contract.Document
			if err := json.Unmarshal(spec, &doc); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid spec: %v", err)), nil
			}
			req.Spec = spec
		}
		if _, ok := request.GetArguments()["code"]; ok {
			code := mcp.ParseString(request, "code", "")
			req.Code = &code
		}

		rec, err := conversations.Save(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to save draft: %w", err)
		}
		return jsonResult(map[string]any{
			"success":         true,
			"conversation_id": rec.ID,
			"message":         "Draft saved successfully",
		})
	})

	addTool("load_draft", mcp.NewTool("load_draft",
		mcp.WithDescription("Load a conversation draft by id."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Draft id")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("conversation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		rec, err := conversations.Load(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError("Conversation not found"), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load draft: %w", err)
		}
		return jsonResult(map[string]any{
			"success":      true,
			"conversation": rec,
		})
	})

	addTool("list_drafts", mcp.NewTool("list_drafts",
		mcp.WithDescription("List saved conversation drafts, most recent first."),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		summaries, err := conversations.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list drafts: %w", err)
		}
		if summaries == nil {
			summaries = []models.ConversationSummary{}
		}
		return jsonResult(map[string]any{
			"success":       true,
			"conversations": summaries,
		})
	})
}
