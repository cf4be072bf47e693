package openai_test

import (
	"context"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/stretchr/testify/require"

	openaimodel "agentcore/features/model/openai"
	"agentcore/runtime/agent/model"
	"agentcore/runtime/agent/tools"
)

type mockChatClient struct {
	response *sdk.ChatCompletion
	captured sdk.ChatCompletionNewParams
}

func (m *mockChatClient) New(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	m.captured = params
	return m.response, nil
}

func TestClientComplete(t *testing.T) {
	mock := &mockChatClient{
		response: &sdk.ChatCompletion{
			Choices: []sdk.ChatCompletionChoice{
				{
					FinishReason: "stop",
					Message: sdk.ChatCompletionMessage{
						Role:    "assistant",
						Content: "hi there",
						ToolCalls: []sdk.ChatCompletionMessageToolCall{
							{
								ID: "call-1",
								Function: sdk.ChatCompletionMessageToolCallFunction{
									Name:      "lookup",
									Arguments: `{"query":"docs"}`,
								},
							},
						},
					},
				},
			},
			Usage: sdk.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
	}
	client, err := openaimodel.New(mock, openaimodel.Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "ping"}}}},
		Tools: []*model.ToolDefinition{{
			Name:        "lookup",
			Description: "Search",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)

	found := false
	for _, p := range resp.Content[0].Parts {
		if tp, ok := p.(model.TextPart); ok && tp.Text == "hi there" {
			found = true
		}
	}
	require.True(t, found, "expected hi there text part")
	require.Equal(t, tools.Ident("lookup"), resp.ToolCalls[0].Name)
	require.JSONEq(t, `{"query":"docs"}`, string(resp.ToolCalls[0].Payload))
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	req := mock.captured
	require.Equal(t, shared.ChatModel("gpt-4o"), req.Model)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Tools, 1)
	require.Equal(t, "lookup", req.Tools[0].Function.Name)
}

func TestClientRequiresDefaultModel(t *testing.T) {
	_, err := openaimodel.New(&mockChatClient{}, openaimodel.Options{})
	require.Error(t, err)
}

func TestClientRequiresClient(t *testing.T) {
	_, err := openaimodel.New(nil, openaimodel.Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
}
