package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/arturoeanton/go-doc-talk-ollama/internal/service"
)

// Server implements the Model Context Protocol (MCP) server.
// It exposes tools for external AI agents to ask questions about
// ingested documents.
type Server struct {
	retrieval *service.RetrievalService
	conv      *service.ConversationManager
	stream    *service.StreamService
	port      string
}

// NewServer creates a new MCP server.
func NewServer(retrieval *service.RetrievalService, conv *service.ConversationManager, stream *service.StreamService, port string) *Server {
	return &Server{
		retrieval: retrieval,
		conv:      conv,
		stream:    stream,
		port:      port,
	}
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Start begins the MCP server on the configured port.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleRPC)
	mux.HandleFunc("/mcp/sse", s.handleSSE)

	slog.Info("MCP server starting", "port", s.port)
	return http.ListenAndServe(":"+s.port, mux)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, -32700, "parse error")
		return
	}

	var result interface{}
	var err error

	switch req.Method {
	case "tools/list":
		result = s.listTools()
	case "tools/call":
		result, err = s.callTool(r.Context(), req.Params)
	case "initialize":
		result = map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"serverInfo": map[string]string{
				"name":    "doc-talk",
				"version": "1.0.0",
			},
			"capabilities": map[string]interface{}{
				"tools": map[string]bool{"listChanged": false},
			},
		}
	default:
		writeError(w, req.ID, -32601, "method not found")
		return
	}

	if err != nil {
		writeError(w, req.ID, -32603, err.Error())
		return
	}

	writeResult(w, req.ID, result)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send initial endpoint message
	fmt.Fprintf(w, "event: endpoint\ndata: /mcp\n\n")
	w.(http.Flusher).Flush()

	// Keep connection alive
	<-r.Context().Done()
}

func (s *Server) listTools() map[string]interface{} {
	tools := []Tool{
		{
			Name:        "ask_document",
			Description: "Ask a question about an ingested document using semantic retrieval",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"fingerprint": {"type": "string", "description": "Document fingerprint (sha256 of content)"},
					"question": {"type": "string", "description": "Question to answer from the document"}
				},
				"required": ["fingerprint", "question"]
			}`),
		},
		{
			Name:        "summarize_document",
			Description: "Produce a one-paragraph summary of an ingested document",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"fingerprint": {"type": "string", "description": "Document fingerprint (sha256 of content)"}
				},
				"required": ["fingerprint"]
			}`),
		},
		{
			Name:        "list_documents",
			Description: "List ingested documents with their fingerprints and stats",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {}
			}`),
		},
	}
	return map[string]interface{}{"tools": tools}
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	switch req.Name {
	case "ask_document":
		var args struct {
			Fingerprint string `json:"fingerprint"`
			Question    string `json:"question"`
		}
		json.Unmarshal(req.Arguments, &args)

		chunks, err := s.retrieval.Query(ctx, args.Fingerprint, args.Question, 0)
		if err != nil {
			return nil, err
		}
		messages, err := s.conv.AssembleContext(ctx, "", chunks, args.Question)
		if err != nil {
			return nil, err
		}
		answer, _, err := s.stream.Answer(ctx, "", args.Question, messages)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": answer},
			},
			"sources": chunks,
		}, nil

	case "summarize_document":
		var args struct {
			Fingerprint string `json:"fingerprint"`
		}
		json.Unmarshal(req.Arguments, &args)

		entry, err := s.retrieval.Entry(ctx, args.Fingerprint)
		if err != nil {
			return nil, err
		}
		summary, _, err := s.stream.Summarize(ctx, entry)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": summary},
			},
		}, nil

	case "list_documents":
		docs, err := s.retrieval.ListDocuments()
		if err != nil {
			return nil, err
		}
		var lines []string
		for _, d := range docs {
			lines = append(lines, fmt.Sprintf("%s  %s (%d pages, %d words)",
				d.Fingerprint, d.Filename, d.PageCount, d.WordCount))
		}
		if len(lines) == 0 {
			lines = []string{"No documents ingested"}
		}
		return map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": strings.Join(lines, "\n")},
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown tool: %s", req.Name)
	}
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
