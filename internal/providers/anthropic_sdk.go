package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

const defaultClaudeModel = "claude-sonnet-4-5-20250929"

// AnthropicSDKProvider implements Provider using the official
// anthropics/anthropic-sdk-go client, converting protocol.ResponseItem
// directly to and from the SDK's message/content-block types.
type AnthropicSDKProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int64
}

// NewAnthropicSDKProvider builds a provider backed by the official SDK.
func NewAnthropicSDKProvider(apiKey, model string) *AnthropicSDKProvider {
	if model == "" {
		model = defaultClaudeModel
	}
	return &AnthropicSDKProvider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: model,
		maxTokens:    4096,
	}
}

func (p *AnthropicSDKProvider) Name() string        { return "anthropic-sdk" }
func (p *AnthropicSDKProvider) DefaultModel() string { return p.defaultModel }

// Send converts items to Anthropic message params, dispatches one
// Messages.New call, and decodes the response content blocks back into
// ResponseItems. Reasoning items carry a Summary/EncryptedContent pair
// decoded from "thinking" blocks on the way in; they are not re-encoded
// into the outgoing request — thinking blocks are provider-specific and,
// like cache-checkpoint content, are meant to be read once, not replayed.
func (p *AnthropicSDKProvider) Send(ctx context.Context, items []protocol.ResponseItem, tools []ToolDefinition, system, model string) (*Response, error) {
	if model == "" {
		model = p.defaultModel
	}

	messages, err := itemsToAnthropicMessages(items)
	if err != nil {
		return nil, fmt.Errorf("anthropic sdk: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: p.maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic sdk: %w", err)
	}

	out := &Response{FinishReason: string(resp.StopReason)}
	for _, block := range resp.Content {
		if text := block.AsText(); text.Text != "" {
			out.Items = append(out.Items, protocol.TextMessage(protocol.RoleAssistant, text.Text))
			continue
		}
		if tu := block.AsToolUse(); tu.ID != "" {
			args, marshalErr := json.Marshal(tu.Input)
			if marshalErr != nil {
				args = []byte("{}")
			}
			out.Items = append(out.Items, protocol.FunctionCall{CallID: tu.ID, Name: tu.Name, Arguments: args})
			continue
		}
		if th := block.AsThinking(); th.Thinking != "" {
			out.Items = append(out.Items, protocol.Reasoning{
				Summary:          []string{th.Thinking},
				EncryptedContent: []byte(th.Signature),
			})
		}
	}
	out.Usage = &Usage{
		PromptTokens:        int(resp.Usage.InputTokens),
		CompletionTokens:    int(resp.Usage.OutputTokens),
		TotalTokens:         int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
	}
	return out, nil
}

// itemsToAnthropicMessages groups consecutive same-role content into one
// SDK message, matching the user/assistant alternation Anthropic's API
// requires. A FunctionCallOutput/LocalShellCallOutput is sent as a
// tool_result block on a user-role message, per Anthropic's convention
// that tool results travel back on the user turn.
func itemsToAnthropicMessages(items []protocol.ResponseItem) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	var curRole string
	var curBlocks []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(curBlocks) == 0 {
			return
		}
		if curRole == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(curBlocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(curBlocks...))
		}
		curBlocks = nil
	}

	add := func(role string, block anthropic.ContentBlockParamUnion) {
		if role != curRole {
			flush()
			curRole = role
		}
		curBlocks = append(curBlocks, block)
	}

	for _, it := range items {
		switch v := it.(type) {
		case protocol.Message:
			if v.Role == protocol.RoleAssistant {
				add("assistant", anthropic.NewTextBlock(v.Text()))
			} else {
				add("user", anthropic.NewTextBlock(v.Text()))
			}
		case protocol.FunctionCall:
			var input map[string]interface{}
			_ = json.Unmarshal(v.Arguments, &input)
			add("assistant", anthropic.NewToolUseBlock(v.CallID, input, v.Name))
		case protocol.FunctionCallOutput:
			add("user", anthropic.NewToolResultBlock(v.CallID, v.Output, v.Success != nil && !*v.Success))
		case protocol.LocalShellCall:
			add("assistant", anthropic.NewToolUseBlock(v.CallID, map[string]interface{}{"action": v.Action}, "shell"))
		case protocol.LocalShellCallOutput:
			add("user", anthropic.NewToolResultBlock(v.CallID, v.Output, false))
		case protocol.Compaction:
			add("assistant", anthropic.NewTextBlock(v.Summary))
		case protocol.Reasoning:
			// thinking blocks are provider-specific and not re-encoded.
		}
	}
	flush()

	if len(out) == 0 {
		return nil, fmt.Errorf("at least one user/assistant message is required")
	}
	return out, nil
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{ExtraFields: t.Function.Parameters}
		u := anthropic.ToolUnionParamOfTool(schema, t.Function.Name)
		if u.OfTool != nil {
			u.OfTool.Description = anthropic.String(t.Function.Description)
		}
		out = append(out, u)
	}
	return out
}
