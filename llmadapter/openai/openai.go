// Package openai implements llmadapter.Adapter on top of the OpenAI Chat
// Completions API via github.com/openai/openai-go.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/durable/llmadapter"
)

// ChatClient captures the subset of the OpenAI SDK used by Client.
type ChatClient interface {
	New(ctx context.Context, body oai.ChatCompletionNewParams, opts ...option.RequestOption) (*oai.ChatCompletion, error)
}

// Client adapts llmadapter.Request/Response to OpenAI's Chat Completions
// API.
type Client struct {
	chat         ChatClient
	defaultModel string
}

// New builds a Client over an already-constructed chat-completions service.
func New(chat ChatClient, defaultModel string) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := oai.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, defaultModel)
}

// Generate implements llmadapter.Adapter.
func (c *Client) Generate(ctx context.Context, req llmadapter.Request) (llmadapter.Response, error) {
	if len(req.Messages) == 0 {
		return llmadapter.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, oai.UserMessage(m.Content))
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		case "tool":
			messages = append(messages, oai.ToolMessage(m.Content, m.ToolCallID))
		default:
			return llmadapter.Response{}, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(modelID),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = oai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = oai.Int(int64(req.MaxTokens))
	}
	if len(req.ToolDefinitions) > 0 {
		tools := make([]oai.ChatCompletionToolParam, 0, len(req.ToolDefinitions))
		for _, td := range req.ToolDefinitions {
			var fparams oai.FunctionParameters
			if len(td.Schema) > 0 {
				if err := json.Unmarshal(td.Schema, &fparams); err != nil {
					return llmadapter.Response{}, fmt.Errorf("openai: decode tool schema for %q: %w", td.Name, err)
				}
			}
			tools = append(tools, oai.ChatCompletionToolParam{
				Function: oai.FunctionDefinitionParam{
					Name:        td.Name,
					Description: oai.String(td.Description),
					Parameters:  fparams,
				},
			})
		}
		params.Tools = tools
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return llmadapter.Response{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	return translate(resp), nil
}

func translate(resp *oai.ChatCompletion) llmadapter.Response {
	if len(resp.Choices) == 0 {
		return llmadapter.Response{}
	}
	msg := resp.Choices[0].Message
	out := llmadapter.Response{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llmadapter.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}
