// Package tools resolves tool-use requests coming back from the model
// into concrete results. Invocations never fail hard: every error is
// folded into a textual result so the conversation keeps going.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/stanzaai/sonicgate/internal/kb"
)

const (
	toolGetDate         = "getDateTool"
	toolGetTravelPolicy = "getTravelPolicyTool"
	toolGetKb           = "getKbTool"

	defaultQuery = "amazon community policy"
)

var queryPattern = regexp.MustCompile(`(?i)query[=:]\s*([^&\n]+)`)

// Dispatcher executes the tools the model is allowed to call.
type Dispatcher struct {
	retriever kb.Retriever
	kbID      string
	useRAG    bool
	now       func() time.Time
}

// New builds a dispatcher. retriever may be nil when no knowledge base
// is configured; getKbTool then reports that in its result.
func New(retriever kb.Retriever, kbID string, useRAG bool) *Dispatcher {
	return &Dispatcher{
		retriever: retriever,
		kbID:      kbID,
		useRAG:    useRAG,
		now:       time.Now,
	}
}

// Invoke runs the named tool against the serialized tool input and
// returns a result object. Unknown tools yield an empty object.
func (d *Dispatcher) Invoke(ctx context.Context, toolName, content string) any {
	log.Printf("tools: invoking %s", toolName)

	switch toolName {
	case toolGetDate:
		return map[string]any{"result": d.now().UTC().Format("Monday, 2006-01-02 15-04-05")}
	case toolGetTravelPolicy:
		return map[string]any{"result": "Travel with pet is not allowed at the XYZ airline."}
	case toolGetKb:
		return d.lookupKb(ctx, extractQuery(content))
	}
	return map[string]any{}
}

func (d *Dispatcher) lookupKb(ctx context.Context, query string) map[string]any {
	if query == "" {
		query = defaultQuery
		log.Printf("tools: using default query %q", query)
	}
	if d.kbID == "" || d.retriever == nil {
		return map[string]any{"result": "Knowledge Base ID not configured"}
	}

	var (
		results []string
		err     error
	)
	if d.useRAG {
		results, err = d.retriever.RetrieveAndGenerate(ctx, query)
	} else {
		results, err = d.retriever.Retrieve(ctx, query)
	}
	if err != nil {
		log.Printf("tools: knowledge base lookup failed: %v", err)
		return map[string]any{"result": fmt.Sprintf("Error in knowledge base retrieval: %v", err)}
	}
	if len(results) == 0 {
		return map[string]any{"result": "No results found."}
	}
	return map[string]any{"result": strings.Join(results, "\n\n")}
}

// extractQuery digs the search query out of the tool input. The model is
// not consistent about field names, so the lookup is tolerant: a literal
// "query" field, then "argName1", then any field whose name contains
// "query", then a key=value scan of non-JSON input.
func extractQuery(content string) string {
	if content == "" {
		return ""
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		if m := queryPattern.FindStringSubmatch(content); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}

	if q := stringField(fields, "query"); q != "" {
		return q
	}
	if q := stringField(fields, "argName1"); q != "" {
		return q
	}
	for key := range fields {
		if strings.Contains(strings.ToLower(key), "query") {
			if q := stringField(fields, key); q != "" {
				return q
			}
		}
	}
	return ""
}

func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
