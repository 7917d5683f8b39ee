package llm

import (
	"context"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churn_server/core/domain"
)

const testBaseURL = "https://llm.test/v1"

func newMockedClient(t *testing.T) *Client {
	t.Helper()
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)

	return NewClientWithConfig(ClientConfig{
		APIKey:     "test-key",
		BaseURL:    testBaseURL,
		Model:      "test-model",
		HTTPClient: hc,
	})
}

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(body)
}

func TestClientCompleteJSON(t *testing.T) {
	c := newMockedClient(t)

	var captured map[string]any
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/chat/completions",
		func(req *http.Request) (*http.Response, error) {
			_ = json.NewDecoder(req.Body).Decode(&captured)
			return httpmock.NewStringResponse(http.StatusOK, completionBody(validAnswer)), nil
		})

	out, err := c.CompleteJSON(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, validAnswer, out)

	assert.Equal(t, "test-model", captured["model"])
	format, _ := captured["response_format"].(map[string]any)
	assert.Equal(t, "json_object", format["type"])
	msgs, _ := captured["messages"].([]any)
	assert.Len(t, msgs, 2)
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, domain.ErrTransientRemote},
		{"server error", http.StatusInternalServerError, domain.ErrTransientRemote},
		{"bad gateway", http.StatusBadGateway, domain.ErrTransientRemote},
		{"unauthorized", http.StatusUnauthorized, domain.ErrPermanentRemote},
		{"bad request", http.StatusBadRequest, domain.ErrPermanentRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newMockedClient(t)
			httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/chat/completions",
				httpmock.NewStringResponder(tt.status, `{"error":{"message":"nope","type":"test_error"}}`))

			_, err := c.CompleteJSON(context.Background(), "s", "u")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClientEmptyChoices(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/chat/completions",
		httpmock.NewStringResponder(http.StatusOK, `{"id":"x","object":"chat.completion","choices":[]}`))

	_, err := c.CompleteJSON(context.Background(), "s", "u")
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)
}
