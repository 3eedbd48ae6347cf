// Package anthropic implements llmadapter.Adapter on top of the Anthropic
// Claude Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/durable/llmadapter"
)

// MessagesClient captures the subset of the Anthropic SDK used by Client,
// so tests can substitute a fake without a live API key.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client adapts llmadapter.Request/Response to the Anthropic Messages API.
type Client struct {
	msg          MessagesClient
	defaultModel string
	defaultMax   int
}

// New builds a Client over an already-constructed Anthropic client.
func New(msg MessagesClient, defaultModel string, defaultMaxTokens int) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: defaultModel, defaultMax: defaultMaxTokens}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string, defaultMaxTokens int) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, defaultModel, defaultMaxTokens)
}

// Generate implements llmadapter.Adapter.
func (c *Client) Generate(ctx context.Context, req llmadapter.Request) (llmadapter.Response, error) {
	params, err := c.prepareParams(req)
	if err != nil {
		return llmadapter.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return llmadapter.Response{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translate(msg), nil
}

func (c *Client) prepareParams(req llmadapter.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.defaultMax
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case "tool":
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.ToolDefinitions) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(req.ToolDefinitions))
		for _, td := range req.ToolDefinitions {
			schema := sdk.ToolInputSchemaParam{}
			if len(td.Schema) > 0 {
				var raw map[string]any
				if err := json.Unmarshal(td.Schema, &raw); err != nil {
					return sdk.MessageNewParams{}, fmt.Errorf("anthropic: decode tool schema for %q: %w", td.Name, err)
				}
				schema.ExtraFields = raw
			}
			u := sdk.ToolUnionParamOfTool(schema, td.Name)
			if u.OfTool != nil {
				u.OfTool.Description = sdk.String(td.Description)
			}
			tools = append(tools, u)
		}
		params.Tools = tools
	}
	return params, nil
}

func translate(msg *sdk.Message) llmadapter.Response {
	var out llmadapter.Response
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, llmadapter.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	return out
}
