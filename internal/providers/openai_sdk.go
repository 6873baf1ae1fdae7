package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// OpenAISDKProvider implements Provider using the official openai/openai-go
// client, converting protocol.ResponseItem directly to and from the SDK's
// chat-completion message/tool types.
type OpenAISDKProvider struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAISDKProvider builds a provider backed by the official SDK. An
// empty baseURL uses the SDK's default (https://api.openai.com/v1),
// letting the same constructor serve OpenAI-compatible gateways (e.g.
// DashScope).
func NewOpenAISDKProvider(apiKey, baseURL, model string) *OpenAISDKProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAISDKProvider{
		client:       openai.NewClient(opts...),
		defaultModel: model,
	}
}

func (p *OpenAISDKProvider) Name() string        { return "openai-sdk" }
func (p *OpenAISDKProvider) DefaultModel() string { return p.defaultModel }

// Send converts items (plus system prompt and tool schemas) to a chat
// completion request and decodes the first choice back into ResponseItems.
// FunctionCall/LocalShellCall items are folded into descriptive assistant
// text on the way in rather than re-encoded as native tool_calls params,
// since the history already carries their matching FunctionCallOutput as
// a tool message — only decoding (model-issued calls) needs the native
// tool_calls shape.
func (p *OpenAISDKProvider) Send(ctx context.Context, items []protocol.ResponseItem, tools []ToolDefinition, system, model string) (*Response, error) {
	if model == "" {
		model = p.defaultModel
	}

	messages := itemsToOpenAIMessages(items, system)
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai sdk: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai sdk: empty choices")
	}
	choice := resp.Choices[0]

	out := &Response{FinishReason: string(choice.FinishReason)}
	if choice.Message.Content != "" {
		out.Items = append(out.Items, protocol.TextMessage(protocol.RoleAssistant, choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Items = append(out.Items, protocol.FunctionCall{
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	out.Usage = &Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	return out, nil
}

func itemsToOpenAIMessages(items []protocol.ResponseItem, system string) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(items)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, it := range items {
		switch v := it.(type) {
		case protocol.Message:
			switch v.Role {
			case protocol.RoleAssistant:
				out = append(out, openai.AssistantMessage(v.Text()))
			case protocol.RoleDeveloper:
				out = append(out, openai.SystemMessage(v.Text()))
			default:
				out = append(out, openai.UserMessage(v.Text()))
			}
		case protocol.FunctionCall:
			out = append(out, openai.AssistantMessage(fmt.Sprintf("called tool %s with arguments %s", v.Name, string(v.Arguments))))
		case protocol.FunctionCallOutput:
			out = append(out, openai.ToolMessage(v.Output, v.CallID))
		case protocol.LocalShellCall:
			out = append(out, openai.AssistantMessage(fmt.Sprintf("ran shell action %s", v.Action)))
		case protocol.LocalShellCallOutput:
			out = append(out, openai.ToolMessage(v.Output, v.CallID))
		case protocol.Compaction:
			out = append(out, openai.AssistantMessage(v.Summary))
		case protocol.Reasoning:
			// provider-specific, not re-encoded.
		}
	}
	return out
}

func toOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Function.Name,
				Description: openai.String(t.Function.Description),
				Parameters:  openai.FunctionParameters(t.Function.Parameters),
			},
		})
	}
	return out
}
