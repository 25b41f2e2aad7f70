package serve

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexgraph/lexgraph/corpus"
	"github.com/lexgraph/lexgraph/domain"
	"github.com/lexgraph/lexgraph/engine"
	"github.com/lexgraph/lexgraph/expand"
	"github.com/lexgraph/lexgraph/gateway"
	"github.com/lexgraph/lexgraph/graph"
	"github.com/lexgraph/lexgraph/retrieve"
	"github.com/lexgraph/lexgraph/vector"
)

type fixedEmbedder struct{}

func (fixedEmbedder) EmbedNode(_ context.Context, text string) ([]float64, error) {
	if strings.Contains(text, "planning") || strings.Contains(text, "Article") {
		return []float64{1, 0.1, 0}, nil
	}
	return []float64{0, 0, 1}, nil
}

func (f fixedEmbedder) EmbedRelation(ctx context.Context, text string) ([]float64, error) {
	return f.EmbedNode(ctx, text)
}

type assessLLM struct{}

func (assessLLM) Complete(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, `"should_collaborate"`):
		return `{"should_collaborate": false, "targets": []}`, nil
	case strings.Contains(prompt, `"can_answer"`):
		return `{"can_answer": true, "confidence": 0.9, "reasoning": "fixture"}`, nil
	case strings.Contains(prompt, `"detailed_answer"`):
		return `{"summary": "s", "detailed_answer": "d", "cited_identifiers": [], "confidence": 0.7}`, nil
	}
	return "", errors.New("unexpected prompt")
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	store := graph.NewMemoryStore()
	for i, id := range []string{"S.Art.17", "S.Art.17(2)", "D.Art.17"} {
		store.AddProvision(&corpus.Provision{
			ID: id, Content: "text of " + id, Path: id, Number: "Art. 17",
			Class:     corpus.ClassStatute,
			Embedding: vector.Normalize([]float64{1, 0.1 * float64(i+1), 0}),
		})
	}
	require.NoError(t, store.UpsertDomain(ctx, &corpus.Domain{
		ID: "dom-planning", Label: "Planning", Size: 3,
		Centroid: vector.Normalize([]float64{1, 0.1, 0}),
	}))
	require.NoError(t, store.ReplaceAssignments(ctx, "dom-planning",
		[]string{"S.Art.17", "S.Art.17(2)", "D.Art.17"}, []float64{0.9, 0.9, 0.9}))

	gw := gateway.New(fixedEmbedder{}, assessLLM{}, gateway.Options{})
	reg := domain.NewRegistry(store, gw, domain.Config{MinDomainSize: 1, MaxDomainSize: 100}, nil)
	require.NoError(t, reg.Bootstrap(ctx))

	eng := engine.New(store, gw, reg,
		retrieve.New(store, retrieve.Config{}, nil),
		expand.New(store, expand.Config{}, nil),
		engine.Config{}, nil)

	srv := httptest.NewServer(New(eng, reg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSearch_OK(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/search", `{"query": "Article 17", "limit": 5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body engine.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Results)
	assert.Equal(t, "S.Art.17", body.Results[0].ProvisionID)
	assert.Equal(t, "Planning", body.PrimaryDomain)
	assert.Greater(t, body.Stats.LLMCalls, 0)
}

func TestSearch_BadRequests(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing query", `{"limit": 5}`},
		{"limit too large", `{"query": "q", "limit": 100}`},
		{"unknown option", `{"query": "q", "fuzz": true}`},
		{"malformed json", `{"query":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/search", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var frame struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
			assert.Equal(t, "bad_request", frame.Kind)
			assert.NotEmpty(t, frame.Message)
		})
	}
}

func TestSearch_NoResultsStatus(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/search", `{"query": "completely unrelated maritime law"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchStream_FramesEvents(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/search/stream", `{"query": "Article 17", "synthesize": true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var statuses []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev engine.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		statuses = append(statuses, ev.Status)
	}
	require.NoError(t, scanner.Err())

	require.NotEmpty(t, statuses)
	assert.Equal(t, engine.StatusStarted, statuses[0])
	assert.Equal(t, engine.StatusComplete, statuses[len(statuses)-1])
	assert.Contains(t, statuses, engine.StatusSearching)
	assert.Contains(t, statuses, engine.StatusSynthesizing)

	terminals := 0
	for _, s := range statuses {
		if s == engine.StatusComplete || s == engine.StatusError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestSearchStream_TerminalErrorFrame(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/search/stream", `{"query": "completely unrelated maritime law"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, "stream errors travel in the terminal frame")

	var last engine.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last))
		}
	}
	assert.Equal(t, engine.StatusError, last.Status)
	assert.Equal(t, "no_results", last.Kind)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status  string `json:"status"`
		Domains int    `json:"domains"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Domains)
}

func TestDomains(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/domains")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Domains []struct {
			ID    string `json:"id"`
			Label string `json:"label"`
			Size  int    `json:"size"`
		} `json:"domains"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Domains, 1)
	assert.Equal(t, "Planning", body.Domains[0].Label)
	assert.Equal(t, 3, body.Domains[0].Size)
}
