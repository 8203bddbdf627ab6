package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const defaultMaxOutputTokens = 4096

// ToolDef describes a tool advertised to the completion provider.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// TurnRequest is one outbound completion request built from the conversation.
type TurnRequest struct {
	Model           string
	History         []Message
	Tools           []ToolDef
	MaxOutputTokens int64
}

// TurnResult is the provider's reply: assistant text plus any tool calls the
// model wants executed.
type TurnResult struct {
	Text      string
	ToolCalls []ToolInvocation
}

// TurnProvider completes one conversation turn against an AI backend.
type TurnProvider interface {
	CompleteTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// NewTurnProvider builds a provider for the given provider type
// ("openai" or "anthropic").
func NewTurnProvider(providerType string, apiKey string, baseURL string) (TurnProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch strings.ToLower(strings.TrimSpace(providerType)) {
	case "openai":
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &openAIProvider{client: openai.NewClient(opts...)}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &anthropicProvider{client: anthropic.NewClient(opts...)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", providerType)
	}
}

func sanitizeProviderToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_', ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	return out
}

type openAIProvider struct {
	client openai.Client
}

func (p *openAIProvider) CompleteTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(req.MaxOutputTokens)
	}

	items, instructions, aliasToReal := buildOpenAIInput(req.History, req.Tools)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if strings.TrimSpace(instructions) != "" {
		params.Instructions = openai.String(strings.TrimSpace(instructions))
	}
	if tools := buildOpenAITools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return TurnResult{}, err
	}

	result := TurnResult{}
	var textBuf strings.Builder
	for _, item := range resp.Output {
		switch strings.TrimSpace(item.Type) {
		case "message":
			for _, part := range item.Content {
				if strings.TrimSpace(part.Type) != "output_text" {
					continue
				}
				textBuf.WriteString(part.Text)
			}
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = fmt.Sprintf("openai_call_%d", len(result.ToolCalls)+1)
			}
			name := strings.TrimSpace(item.Name)
			if realName, ok := aliasToReal[name]; ok {
				name = realName
			}
			args := map[string]any{}
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				_ = json.Unmarshal([]byte(raw), &args)
			}
			result.ToolCalls = append(result.ToolCalls, ToolInvocation{ToolCallID: callID, ToolName: name, Args: args})
		}
	}
	result.Text = textBuf.String()
	return result, nil
}

func buildOpenAITools(defs []ToolDef) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		out = append(out, oresponses.ToolParamOfFunction(sanitizeProviderToolName(def.Name), schema, false))
	}
	return out
}

func buildOpenAIInput(messages []Message, defs []ToolDef) (oresponses.ResponseInputParam, string, map[string]string) {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	instructions := ""
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		if name := strings.TrimSpace(def.Name); name != "" {
			aliasToReal[sanitizeProviderToolName(name)] = name
		}
	}

	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case RoleSystem:
			if txt := joinMessageText(msg); txt != "" {
				if instructions == "" {
					instructions = txt
				} else {
					instructions += "\n\n" + txt
				}
			}
		case RoleTool:
			for _, part := range msg.Content {
				if strings.TrimSpace(part.Type) != partTypeToolResult {
					continue
				}
				callID := strings.TrimSpace(part.ToolCallID)
				if callID == "" {
					continue
				}
				output := strings.TrimSpace(part.Text)
				if output == "" && len(part.JSON) > 0 {
					output = string(part.JSON)
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, output))
			}
		case RoleAssistant:
			if txt := joinMessageText(msg); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
			}
			for _, inv := range msg.ToolInvocations {
				callID := strings.TrimSpace(inv.ToolCallID)
				name := sanitizeProviderToolName(inv.ToolName)
				if callID == "" || name == "" {
					continue
				}
				argsRaw := "{}"
				if len(inv.Args) > 0 {
					if b, err := json.Marshal(inv.Args); err == nil {
						argsRaw = string(b)
					}
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, callID, name))
				if inv.Result != nil || strings.TrimSpace(inv.Error) != "" {
					output := strings.TrimSpace(inv.Error)
					if output == "" {
						if b, err := json.Marshal(inv.Result); err == nil {
							output = string(b)
						}
					}
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, output))
				}
			}
		default:
			if txt := joinMessageText(msg); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items, instructions, aliasToReal
}

type anthropicProvider struct {
	client anthropic.Client
}

func (p *anthropicProvider) CompleteTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.History),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = req.MaxOutputTokens
	}
	tools, aliasToReal := buildAnthropicTools(req.Tools)
	if len(tools) > 0 {
		params.Tools = tools
	}
	if system := collectSystemPrompt(req.History); strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: strings.TrimSpace(system)}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return TurnResult{}, err
	}

	result := TurnResult{}
	var textBuf strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			textBuf.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			callID := strings.TrimSpace(variant.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(result.ToolCalls)+1)
			}
			name := strings.TrimSpace(variant.Name)
			if realName, ok := aliasToReal[name]; ok {
				name = realName
			}
			args := map[string]any{}
			if b, err := json.Marshal(variant.Input); err == nil {
				_ = json.Unmarshal(b, &args)
			}
			result.ToolCalls = append(result.ToolCalls, ToolInvocation{ToolCallID: callID, ToolName: name, Args: args})
		}
	}
	result.Text = textBuf.String()
	return result, nil
}

func buildAnthropicTools(defs []ToolDef) ([]anthropic.ToolUnionParam, map[string]string) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		alias := sanitizeProviderToolName(name)
		aliasToReal[alias] = name

		schema := anthropic.ToolInputSchemaParam{}
		if len(def.InputSchema) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(def.InputSchema, &parsed); err == nil {
				if props, ok := parsed["properties"]; ok {
					schema.Properties = props
				}
			}
		}
		param := anthropic.ToolParam{
			Name:        alias,
			InputSchema: schema,
		}
		if desc := strings.TrimSpace(def.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, aliasToReal
}

func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)
	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role == RoleSystem {
			continue
		}
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content)+1)
		for _, part := range msg.Content {
			switch strings.ToLower(strings.TrimSpace(part.Type)) {
			case partTypeToolResult:
				callID := strings.TrimSpace(part.ToolCallID)
				if callID == "" {
					continue
				}
				content := strings.TrimSpace(part.Text)
				if content == "" && len(part.JSON) > 0 {
					content = string(part.JSON)
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(callID, content, false))
			default:
				if txt := strings.TrimSpace(part.Text); txt != "" {
					blocks = append(blocks, anthropic.NewTextBlock(txt))
				}
			}
		}
		if len(blocks) == 0 {
			if txt := joinMessageText(msg); txt != "" {
				blocks = append(blocks, anthropic.NewTextBlock(txt))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func collectSystemPrompt(messages []Message) string {
	parts := make([]string, 0, 2)
	for _, msg := range messages {
		if strings.ToLower(strings.TrimSpace(msg.Role)) != RoleSystem {
			continue
		}
		if txt := joinMessageText(msg); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n\n")
}
