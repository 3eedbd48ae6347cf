// Package bedrock implements llmadapter.Adapter on top of the AWS Bedrock
// Runtime Converse API via
// github.com/aws/aws-sdk-go-v2/service/bedrockruntime. Converse covers
// both Anthropic and non-Anthropic models hosted on Bedrock with one
// schema, so there is no per-model request body handling here.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"goa.design/durable/llmadapter"
)

// ConverseClient captures the subset of the Bedrock Runtime SDK used by
// Client.
type ConverseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client adapts llmadapter.Request/Response to the Bedrock Converse API.
type Client struct {
	rt           ConverseClient
	defaultModel string
}

// New builds a Client over an already-constructed Bedrock Runtime client.
func New(rt ConverseClient, defaultModel string) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("bedrock: default model id is required")
	}
	return &Client{rt: rt, defaultModel: defaultModel}, nil
}

// Generate implements llmadapter.Adapter.
func (c *Client) Generate(ctx context.Context, req llmadapter.Request) (llmadapter.Response, error) {
	if len(req.Messages) == 0 {
		return llmadapter.Response{}, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case "assistant":
			messages = append(messages, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case "tool":
			messages = append(messages, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: &m.ToolCallID,
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
					},
				}},
			})
		default:
			return llmadapter.Response{}, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  &modelID,
		Messages: messages,
	}
	if req.SystemPrompt != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}
	inferenceCfg := &types.InferenceConfiguration{}
	haveInference := false
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		inferenceCfg.Temperature = &t
		haveInference = true
	}
	if req.MaxTokens > 0 {
		n := int32(req.MaxTokens)
		inferenceCfg.MaxTokens = &n
		haveInference = true
	}
	if haveInference {
		in.InferenceConfig = inferenceCfg
	}
	if len(req.ToolDefinitions) > 0 {
		tools := make([]types.Tool, 0, len(req.ToolDefinitions))
		for _, td := range req.ToolDefinitions {
			var schemaDoc document.Interface
			if len(td.Schema) > 0 {
				var raw map[string]any
				if err := json.Unmarshal(td.Schema, &raw); err != nil {
					return llmadapter.Response{}, fmt.Errorf("bedrock: decode tool schema for %q: %w", td.Name, err)
				}
				schemaDoc = document.NewLazyDocument(raw)
			}
			desc := td.Description
			tools = append(tools, &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        &td.Name,
					Description: &desc,
					InputSchema: &types.ToolInputSchemaMemberJson{Value: schemaDoc},
				},
			})
		}
		in.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}

	out, err := c.rt.Converse(ctx, in)
	if err != nil {
		return llmadapter.Response{}, classify(err)
	}
	return translate(out)
}

// classify wraps throttling responses in llmadapter.ErrRateLimited so the
// call-llm handler can treat them as retryable backpressure rather than a
// generic provider failure.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return fmt.Errorf("bedrock: converse: %w: %w", llmadapter.ErrRateLimited, err)
		}
	}
	return fmt.Errorf("bedrock: converse: %w", err)
}

func translate(out *bedrockruntime.ConverseOutput) (llmadapter.Response, error) {
	member, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return llmadapter.Response{}, errors.New("bedrock: converse response had no message output")
	}
	var resp llmadapter.Response
	for _, block := range member.Value.Content {
		switch v := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Text += v.Value
		case *types.ContentBlockMemberToolUse:
			args, err := json.Marshal(v.Value.Input)
			if err != nil {
				return llmadapter.Response{}, fmt.Errorf("bedrock: marshal tool_use input: %w", err)
			}
			resp.ToolCalls = append(resp.ToolCalls, llmadapter.ToolCall{
				ID:        *v.Value.ToolUseId,
				Name:      *v.Value.Name,
				Arguments: args,
			})
		}
	}
	return resp, nil
}
