package websearch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	tavilyModels "github.com/diverged/tavily-go/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencellcw/ulf-warden-sub003/tools/websearch"
	"github.com/opencellcw/ulf-warden-sub003/utils"
)

func Test_Tool(t *testing.T) {
	t.Setenv("TAVILY_API_KEY", "testkey")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req tavilyModels.SearchRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		assert.NoError(t, err)

		assert.Equal(t, "What is capital of France", req.Query)

		resp := websearch.SearchResult{
			Results: []tavilyModels.SearchResult{
				{Title: "Test Result", URL: "https://example.com", Content: "Test content", Score: 0.9},
			},
		}
		if req.IncludeAnswer {
			resp.Answer = "Paris"
		}

		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	ctx := context.Background()

	tool, err := websearch.New()
	require.NoError(t, err)
	tool.WithBaseURL(server.URL).WithHTTPClient(server.Client())

	assert.Equal(t, websearch.ToolName, tool.Name())
	assert.Contains(t, tool.Description(), `web`)

	params := utils.ToJSONIndent(tool.Parameters())
	assert.Contains(t, params, `"query"`)
	assert.Contains(t, params, `"required"`)

	_, err = tool.Call(ctx, "plain string")
	assert.Error(t, err)

	input := &websearch.SearchRequest{
		Query: "What is capital of France",
	}

	resp, err := tool.Run(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, "Paris", resp.Answer)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Test Result", resp.Results[0].Title)

	out, err := tool.Call(ctx, `{"query": "What is capital of France"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"answer":"Paris"`)

	assert.Contains(t, resp.String(), "ANSWER: Paris")
	assert.Contains(t, resp.String(), "URL: https://example.com")
}

func Test_Tool_NoAPIKey(t *testing.T) {
	t.Setenv("TAVILY_API_KEY", "")

	_, err := websearch.New()
	assert.EqualError(t, err, "TAVILY_API_KEY is not set")
}

func Test_Tool_EmptyQuery(t *testing.T) {
	t.Setenv("TAVILY_API_KEY", "testkey")

	tool, err := websearch.New()
	require.NoError(t, err)

	_, err = tool.Run(context.Background(), &websearch.SearchRequest{})
	assert.EqualError(t, err, "invalid request: empty query")
}
