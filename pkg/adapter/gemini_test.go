package adapter_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hearken/pkg/adapter"
	"google.golang.org/genai"
)

func newTestGemini(t *testing.T) *adapter.GeminiClient {
	t.Helper()
	ctx := context.Background()

	if apiKey := os.Getenv("TEST_GEMINI_API_KEY"); apiKey != "" {
		client, err := adapter.NewGeminiWithAPIKey(ctx, apiKey)
		gt.NoError(t, err)
		return client
	}

	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT or TEST_GEMINI_API_KEY is not set")
	}
	client, err := adapter.NewGemini(ctx, projectID, "us-central1")
	gt.NoError(t, err)
	return client
}

func TestGenerateContent(t *testing.T) {
	client := newTestGemini(t)
	ctx := context.Background()

	contents := []*genai.Content{
		genai.NewContentFromText("用一句话解释什么是goroutine", genai.RoleUser),
	}

	resp, err := client.GenerateContent(ctx, contents, nil)
	gt.NoError(t, err)

	if resp == nil ||
		len(resp.Candidates) == 0 ||
		resp.Candidates[0].Content == nil ||
		len(resp.Candidates[0].Content.Parts) == 0 ||
		resp.Candidates[0].Content.Parts[0].Text == "" {
		t.Fatal("unexpected response")
	}

	t.Log("response:", resp.Candidates[0].Content.Parts[0].Text)
}

func TestGenerateContentStream(t *testing.T) {
	client := newTestGemini(t)
	ctx := context.Background()

	contents := []*genai.Content{
		genai.NewContentFromText("列出三种Go的并发原语", genai.RoleUser),
	}

	var chunks []string
	for resp, err := range client.GenerateContentStream(ctx, contents, nil) {
		gt.NoError(t, err)
		chunks = append(chunks, resp.Text())
	}

	gt.A(t, chunks).Longer(0)
	t.Log("response:", strings.Join(chunks, ""))
}

func TestWithModel(t *testing.T) {
	client := newTestGemini(t)

	gt.Equal(t, client.WithModel("").Model(), client.Model())
	gt.Equal(t, client.WithModel("gemini-2.5-flash-lite").Model(), "gemini-2.5-flash-lite")
}
