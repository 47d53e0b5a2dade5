package reflex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxToolRounds bounds the tool-use loop of an llm action.
const maxToolRounds = 10

// LLMClient wraps the Anthropic client used by llm actions.
type LLMClient struct {
	client anthropic.Client
	model  string
}

// NewLLMClient builds a client, or nil when no API key is configured. A nil
// client makes llm actions fail at execution time with a clear error.
func NewLLMClient(apiKey, model string) *LLMClient {
	if apiKey == "" {
		return nil
	}
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &LLMClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// llmAction runs a tool-calling conversation: the prompt goes out with the
// reflex's tools attached, returned tool_use blocks are executed in order and
// fed back, until the model stops asking for tools.
type llmAction struct {
	prompt string
	system string
	client *LLMClient
}

func (a *llmAction) Execute(ctx context.Context, in ActionInput) (string, []ToolCall, error) {
	if a.client == nil {
		return "", nil, errors.New("llm action requires a configured provider api key")
	}

	scope := actionScope(in)
	prompt := fmt.Sprintf("%v", substituteString(a.prompt, scope))

	tools, nameMap, err := a.convertTools(in)
	if err != nil {
		return "", nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.client.model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if a.system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: a.system}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	var calls []ToolCall
	var finalText strings.Builder

	type toolUse struct {
		id   string
		name string
		args map[string]any
	}

	for round := 0; round < maxToolRounds; round++ {
		msg, err := a.client.client.Messages.New(ctx, params)
		if err != nil {
			return finalText.String(), calls, fmt.Errorf("llm request: %w", err)
		}

		var uses []toolUse
		var assistantBlocks []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				if finalText.Len() > 0 {
					finalText.WriteString("\n")
				}
				finalText.WriteString(block.Text)
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(block.Text))
			case "tool_use":
				args := map[string]any{}
				if len(block.Input) > 0 {
					_ = json.Unmarshal(block.Input, &args)
				}
				uses = append(uses, toolUse{id: block.ID, name: block.Name, args: args})
				assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(block.ID, args, block.Name))
			}
		}

		if msg.StopReason != anthropic.StopReasonToolUse || len(uses) == 0 {
			return finalText.String(), calls, nil
		}

		params.Messages = append(params.Messages, anthropic.NewAssistantMessage(assistantBlocks...))

		var results []anthropic.ContentBlockParamUnion
		for _, use := range uses {
			target, ok := nameMap[use.name]
			if !ok {
				// A hallucinated tool name surfaces as an error result
				// rather than aborting the whole conversation.
				target = use.name
			}
			result, callErr := in.Tools.CallTool(ctx, target, use.args)
			call := ToolCall{Tool: target, Args: use.args, Result: result}
			if callErr != nil {
				call.Error = callErr.Error()
				results = append(results, anthropic.NewToolResultBlock(use.id, callErr.Error(), true))
			} else {
				results = append(results, anthropic.NewToolResultBlock(use.id, result, false))
			}
			calls = append(calls, call)
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(results...))
	}

	return finalText.String(), calls, fmt.Errorf("llm action exceeded %d tool rounds", maxToolRounds)
}

// convertTools exposes the reflex's allowed tools to the model. Presented
// names drop any path-style prefix; the map routes results back to the real
// surface name.
func (a *llmAction) convertTools(in ActionInput) ([]anthropic.ToolUnionParam, map[string]string, error) {
	available := in.Tools.ListTools()

	allowed := map[string]bool{}
	for _, name := range in.AllowedTools {
		allowed[name] = true
	}

	var params []anthropic.ToolUnionParam
	nameMap := map[string]string{}
	for _, info := range available {
		if len(allowed) > 0 && !allowed[info.Name] {
			continue
		}
		presented := info.Name
		if idx := strings.LastIndex(presented, "/"); idx >= 0 {
			presented = presented[idx+1:]
		}
		if _, taken := nameMap[presented]; taken {
			presented = info.Name
		}
		nameMap[presented] = info.Name

		schemaJSON, err := json.Marshal(info.Schema)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid tool schema for %s: %w", info.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			return nil, nil, fmt.Errorf("invalid tool schema for %s: %w", info.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, presented)
		if param.OfTool == nil {
			return nil, nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", info.Name)
		}
		param.OfTool.Description = anthropic.String(info.Description)
		params = append(params, param)
	}
	return params, nameMap, nil
}
