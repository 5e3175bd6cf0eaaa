package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const webSearchToolName = "web_search"

var webSearchParameters = []byte(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "The search query"}
	},
	"required": ["query"]
}`)

// SearchResult es un par fuente/contenido devuelto por la busqueda web.
type SearchResult struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// WebSearchTool implementa la herramienta web_search contra una API de
// busqueda tipo Tavily.
type WebSearchTool struct {
	baseURL    string
	apiKey     string
	maxResults int
	client     *http.Client
}

func NewWebSearchTool(baseURL, apiKey string, maxResults int, httpClient *http.Client) *WebSearchTool {
	if baseURL == "" {
		baseURL = "https://api.tavily.com"
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebSearchTool{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		maxResults: maxResults,
		client:     httpClient,
	}
}

func (t *WebSearchTool) Name() string { return webSearchToolName }

func (t *WebSearchTool) Description() string {
	return "Get up-to-date information from the web."
}

func (t *WebSearchTool) Parameters() []byte { return webSearchParameters }

// Invoke ejecuta la busqueda y devuelve los resultados serializados como JSON
// (lista de pares fuente/contenido mas la respuesta sintetizada si existe).
func (t *WebSearchTool) Invoke(ctx context.Context, arguments string) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("empty search query")
	}

	results, answer, err := t.search(ctx, args.Query)
	if err != nil {
		return "", err
	}

	payload := struct {
		Query   string         `json:"query"`
		Answer  string         `json:"answer,omitempty"`
		Results []SearchResult `json:"results"`
	}{
		Query:   args.Query,
		Answer:  answer,
		Results: results,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	return string(encoded), nil
}

func (t *WebSearchTool) search(ctx context.Context, query string) ([]SearchResult, string, error) {
	reqBody := struct {
		APIKey      string `json:"api_key"`
		Query       string `json:"query"`
		SearchDepth string `json:"search_depth"`
		MaxResults  int    `json:"max_results"`
	}{
		APIKey:      t.apiKey,
		Query:       query,
		SearchDepth: "advanced",
		MaxResults:  t.maxResults,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("search http error: status=%d", resp.StatusCode)
	}

	var parsed struct {
		Answer  string `json:"answer"`
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, "", fmt.Errorf("unmarshal response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		source := r.URL
		if r.Title != "" {
			source = fmt.Sprintf("%s (%s)", r.Title, r.URL)
		}
		results = append(results, SearchResult{Source: source, Content: r.Content})
	}
	return results, parsed.Answer, nil
}
