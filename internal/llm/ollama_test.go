package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewOllamaClient(t *testing.T) {
	client := NewOllamaClient(nil, nil)

	if client.Type() != ProviderOllama {
		t.Errorf("expected type to be 'ollama', got %s", client.Type())
	}

	if client.config.BaseURL != "http://localhost:11434" {
		t.Errorf("expected base URL to be 'http://localhost:11434', got %s", client.config.BaseURL)
	}

	if client.config.DefaultModel != "llama3.2" {
		t.Errorf("expected default model to be 'llama3.2', got %s", client.config.DefaultModel)
	}
}

func TestNewOllamaClientWithCustomConfig(t *testing.T) {
	config := &ProviderConfig{
		BaseURL:      "http://custom:8080/",
		DefaultModel: "custom-model",
		Timeout:      5 * time.Second,
	}

	client := NewOllamaClient(config, nil)

	if client.baseURL != "http://custom:8080" {
		t.Errorf("expected base URL to be 'http://custom:8080', got %s", client.baseURL)
	}

	if client.config.DefaultModel != "custom-model" {
		t.Errorf("expected default model to be 'custom-model', got %s", client.config.DefaultModel)
	}

	if config.DefaultMaxTokens != 0 {
		t.Errorf("expected caller config to be left untouched, got max tokens %d", config.DefaultMaxTokens)
	}
}

func TestOllamaClient_Generate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("expected path /api/generate, got %s", r.URL.Path)
		}

		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}

		var req OllamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}

		if req.Model != "test-model" {
			t.Errorf("expected model 'test-model', got %s", req.Model)
		}

		if req.Prompt != "Explain recursion" {
			t.Errorf("expected prompt 'Explain recursion', got %s", req.Prompt)
		}

		if req.System != "You are a tutor." {
			t.Errorf("expected system prompt to be forwarded, got %q", req.System)
		}

		if req.Options.Temperature == nil || *req.Options.Temperature != 0 {
			t.Errorf("expected explicit zero temperature to be sent")
		}

		if len(req.Options.Stop) != 1 || req.Options.Stop[0] != "###" {
			t.Errorf("expected stop sequences to be forwarded, got %v", req.Options.Stop)
		}

		resp := OllamaResponse{
			Model:           "test-model",
			Response:        "Recursion is a function calling itself.",
			Done:            true,
			DoneReason:      "stop",
			TotalDuration:   100000000,
			PromptEvalCount: 12,
			EvalCount:       7,
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: server.URL, Timeout: 5 * time.Second}, nil)

	req := NewRequest("Explain recursion").
		WithModel("test-model").
		WithSystemPrompt("You are a tutor.").
		WithTemperature(0).
		WithStop("###")

	resp, err := client.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Text != "Recursion is a function calling itself." {
		t.Errorf("unexpected text %q", resp.Text)
	}

	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 7 || resp.Usage.TotalTokens != 19 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}

	if resp.FinishReason != FinishStop {
		t.Errorf("expected finish reason stop, got %s", resp.FinishReason)
	}

	if resp.Metadata["total_duration"] != "100ms" {
		t.Errorf("expected total duration 100ms, got %s", resp.Metadata["total_duration"])
	}

	stats := client.UsageStats(WindowToday)
	if stats.Requests != 1 || stats.TotalTokens != 19 || stats.Cost != 0 {
		t.Errorf("unexpected usage stats %+v", stats)
	}
}

func TestOllamaClient_Generate_WithDefaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req OllamaRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		if req.Model != "llama3.2" {
			t.Errorf("expected default model 'llama3.2', got %s", req.Model)
		}

		if req.Options == nil {
			t.Fatal("expected options to be set")
		}

		if req.Options.NumPredict != 2048 {
			t.Errorf("expected default max tokens 2048, got %d", req.Options.NumPredict)
		}

		if req.Options.Temperature == nil || *req.Options.Temperature != 0.7 {
			t.Errorf("expected default temperature 0.7")
		}

		if req.Format != "" {
			t.Errorf("expected no format without structured output, got %s", req.Format)
		}

		resp := OllamaResponse{
			Model:    req.Model,
			Response: "Generated with defaults",
			Done:     true,
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: server.URL, Timeout: 5 * time.Second}, nil)

	resp, err := client.Generate(context.Background(), NewRequest("Test prompt"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Usage.CompletionTokens == 0 {
		t.Errorf("expected completion tokens to be estimated when not reported")
	}

	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Errorf("total tokens must equal the sum of its parts: %+v", resp.Usage)
	}
}

func TestOllamaClient_Generate_ModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(OllamaError{Error: "model 'nonexistent-model' not found"})
	}))
	defer server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: server.URL, Timeout: 5 * time.Second}, nil)

	_, err := client.Generate(context.Background(), NewRequest("Hello, world!").WithModel("nonexistent-model"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if KindOf(err) != KindModelNotFound {
		t.Errorf("expected model_not_found kind, got %s", KindOf(err))
	}

	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected error to contain 'not found', got %s", err.Error())
	}

	if stats := client.UsageStats(WindowLast24Hours); stats.Failures != 1 {
		t.Errorf("expected one failure recorded, got %d", stats.Failures)
	}
}

func TestOllamaClient_Generate_ServerErrorIsProviderKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: server.URL, Timeout: 5 * time.Second}, nil)

	_, err := client.Generate(context.Background(), NewRequest("Hello"))
	if KindOf(err) != KindProvider {
		t.Errorf("expected provider kind, got %s (%v)", KindOf(err), err)
	}
}

func TestOllamaClient_Generate_RejectsInvalidRequestBeforeDispatch(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: server.URL, Timeout: 5 * time.Second}, nil)

	tests := []struct {
		name string
		req  GenerationRequest
	}{
		{"empty prompt", NewRequest("   ")},
		{"temperature too high", NewRequest("hi").WithTemperature(2.5)},
		{"too many tokens", NewRequest("hi").WithMaxTokens(ollamaContextLength + 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Generate(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if kind := KindOf(err); kind != KindInvalidRequest && kind != KindTokenLimit {
				t.Errorf("expected invalid request, got %s", kind)
			}
		})
	}

	if calls.Load() != 0 {
		t.Errorf("expected no network calls, got %d", calls.Load())
	}
}

func TestOllamaClient_Generate_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond}, nil)

	_, err := client.Generate(context.Background(), NewRequest("slow"))
	if KindOf(err) != KindTimeout {
		t.Errorf("expected timeout kind, got %s (%v)", KindOf(err), err)
	}
}

func TestOllamaClient_Generate_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: url, Timeout: 2 * time.Second}, nil)

	_, err := client.Generate(context.Background(), NewRequest("hello"))
	if KindOf(err) != KindNetwork {
		t.Errorf("expected network kind, got %s (%v)", KindOf(err), err)
	}
}

func TestOllamaClient_GenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req OllamaRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Errorf("expected stream flag to be set")
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, part := range []string{"Photo", "synthesis ", "converts light."} {
			_ = json.NewEncoder(w).Encode(OllamaResponse{Model: req.Model, Response: part})
		}
		_ = json.NewEncoder(w).Encode(OllamaResponse{Model: req.Model, Done: true, DoneReason: "length", PromptEvalCount: 4, EvalCount: 6})
	}))
	defer server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: server.URL, Timeout: 5 * time.Second}, nil)

	stream, err := client.GenerateStream(context.Background(), NewRequest("Explain photosynthesis").WithStreaming(true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text strings.Builder
	var last StreamChunk
	for chunk := range stream {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		text.WriteString(chunk.Text)
		last = chunk
	}

	if text.String() != "Photosynthesis converts light." {
		t.Errorf("unexpected streamed text %q", text.String())
	}

	if !last.Done || last.FinishReason != FinishLength {
		t.Errorf("expected final chunk with length finish, got %+v", last)
	}

	if last.Model != "llama3.2" {
		t.Errorf("expected final chunk to name the served model, got %q", last.Model)
	}

	if stats := client.UsageStats(WindowToday); stats.TotalTokens != 10 {
		t.Errorf("expected 10 tokens recorded, got %d", stats.TotalTokens)
	}
}

func TestOllamaClient_GenerateStream_ErrorLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"partial"}`)
		fmt.Fprintln(w, `{"error":"out of memory"}`)
	}))
	defer server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: server.URL, Timeout: 5 * time.Second}, nil)

	stream, err := client.GenerateStream(context.Background(), NewRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var gotErr error
	for chunk := range stream {
		if chunk.Err != nil {
			gotErr = chunk.Err
		}
	}

	if gotErr == nil || !strings.Contains(gotErr.Error(), "out of memory") {
		t.Errorf("expected stream to end with backend error, got %v", gotErr)
	}
}

func TestOllamaClient_ListModels_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("expected path /api/tags, got %s", r.URL.Path)
		}

		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}

		resp := OllamaModelsResponse{
			Models: []OllamaModel{
				{Name: "llama3.2:latest"},
				{Name: "codellama"},
				{Name: "mistral"},
			},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: server.URL, Timeout: 5 * time.Second}, nil)

	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedModels := []string{"llama3.2:latest", "codellama", "mistral"}
	if len(models) != len(expectedModels) {
		t.Fatalf("expected %d models, got %d", len(expectedModels), len(models))
	}

	for i, expected := range expectedModels {
		if models[i].ID != expected {
			t.Errorf("expected model %s at index %d, got %s", expected, i, models[i].ID)
		}
	}

	info, err := client.GetModelInfo(context.Background(), "llama3.2")
	if err != nil || info == nil || info.ID != "llama3.2:latest" {
		t.Errorf("expected llama3.2 to resolve to the latest tag, got %+v (%v)", info, err)
	}

	info, err = client.GetModelInfo(context.Background(), "unknown")
	if err != nil || info != nil {
		t.Errorf("expected nil info without error for unknown model, got %+v (%v)", info, err)
	}
}

func TestOllamaClient_HealthCheck_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(OllamaModelsResponse{})
	}))
	defer server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: server.URL, Timeout: 5 * time.Second}, nil)

	ok, err := client.HealthCheck(context.Background())
	if err != nil || !ok {
		t.Errorf("expected health check to pass, got %v, %v", ok, err)
	}
}

func TestOllamaClient_HealthCheck_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewOllamaClient(&ProviderConfig{BaseURL: server.URL, Timeout: 5 * time.Second}, nil)

	ok, err := client.HealthCheck(context.Background())
	if ok {
		t.Fatal("expected health check to fail")
	}

	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Errorf("expected error to contain 'status 500', got %v", err)
	}
}

func TestOllamaClient_EstimateCostIsZero(t *testing.T) {
	client := NewOllamaClient(nil, nil)

	if cost := client.EstimateCost(NewRequest("a long prompt").WithMaxTokens(1000)); cost != 0 {
		t.Errorf("expected zero cost for local inference, got %f", cost)
	}
}

func TestOllamaClient_Close(t *testing.T) {
	client := NewOllamaClient(nil, nil)

	if err := client.Close(); err != nil {
		t.Errorf("expected Close to return nil, got %v", err)
	}
}
