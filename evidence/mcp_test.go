package evidence

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testImpl = &mcp.Implementation{Name: "listingproof-test", Version: "0.1.0"}

// mcpSession registers the evidence tools and returns a connected client.
func mcpSession(t *testing.T) (*Service, *mcp.ClientSession) {
	t.Helper()
	svc := testService(t, &fakeCapturer{})

	srv := mcp.NewServer(testImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return svc, session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if result.IsError {
		t.Fatalf("CallTool(%s) tool error: %s", name, toolText(t, result))
	}
	return toolText(t, result)
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("empty tool content")
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func TestMCP_CaptureGetList(t *testing.T) {
	svc, session := mcpSession(t)

	text := callTool(t, session, "evidence_capture", map[string]any{
		"stock_id":      "2319928",
		"location_code": "Portland",
	})
	var a Attempt
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.ID == "" || a.Status != StatusComplete {
		t.Fatalf("attempt = %s %s", a.ID, a.Status)
	}

	text = callTool(t, session, "evidence_get", map[string]any{"id": a.ID})
	var got Attempt
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Price == nil || got.Price.SHA256 != a.Price.SHA256 {
		t.Errorf("get returned a different price digest")
	}

	text = callTool(t, session, "evidence_list", map[string]any{"status": "complete"})
	var list []attemptSummary
	if err := json.Unmarshal([]byte(text), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 1 || list[0].ID != a.ID || !list[0].Degraded {
		t.Errorf("list = %+v", list)
	}

	text = callTool(t, session, "evidence_list", map[string]any{"status": "failed"})
	if strings.TrimSpace(text) != "[]" {
		t.Errorf("failed list = %s", text)
	}

	// Every tool call is audited with its transport and result.
	svc.Audit().Close()
	var transport, result string
	err := svc.OpsDB().QueryRow(`SELECT transport, result FROM audit_log WHERE action = 'evidence_capture'`).
		Scan(&transport, &result)
	if err != nil {
		t.Fatalf("audit row: %v", err)
	}
	if transport != "mcp" || result != a.ID {
		t.Errorf("audit = %s %s", transport, result)
	}
}

func TestMCP_CaptureValidationIsToolError(t *testing.T) {
	_, session := mcpSession(t)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "evidence_capture",
		Arguments: map[string]any{"stock_id": "2319928", "location_code": "Atlantis"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a tool error for an unknown location")
	}
}

func TestMCP_FailedCaptureIsToolError(t *testing.T) {
	// WHAT: a capture that fails in the browser comes back flagged as a tool error, attempt included.
	// WHY: callers and the audit trail must not record a failed attempt as a success.
	svc := testService(t, &fakeCapturer{fail: &CaptureError{Stage: "price", Reason: "timeout", Err: context.DeadlineExceeded}})
	srv := mcp.NewServer(testImpl, nil)
	svc.RegisterMCP(srv)
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()
	session, err := mcp.NewClient(testImpl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "evidence_capture",
		Arguments: map[string]any{"stock_id": "2319928", "location_code": "Portland"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("failed capture not flagged as a tool error")
	}
	var a Attempt
	if err := json.Unmarshal([]byte(toolText(t, result)), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.Status != StatusFailed || a.FailureStage != "price" || a.FailureReason != "timeout" {
		t.Fatalf("attempt = %s %s/%s", a.Status, a.FailureStage, a.FailureReason)
	}

	svc.Audit().Close()
	var status, result2, errText string
	if err := svc.OpsDB().QueryRow(`SELECT status, result, error FROM audit_log WHERE action = 'evidence_capture'`).
		Scan(&status, &result2, &errText); err != nil {
		t.Fatalf("audit row: %v", err)
	}
	if status != "error" || result2 != a.ID || errText == "" {
		t.Errorf("audit = %s %s %q", status, result2, errText)
	}
}

func TestMCP_GetUnknown(t *testing.T) {
	_, session := mcpSession(t)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "evidence_get",
		Arguments: map[string]any{"id": "missing"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a tool error for an unknown id")
	}
}

func TestMCP_Storage(t *testing.T) {
	svc, session := mcpSession(t)
	if _, err := svc.Capture(context.Background(), "2319928", "Salem"); err != nil {
		t.Fatal(err)
	}

	text := callTool(t, session, "evidence_storage", map[string]any{"sweep": true})
	var resp struct {
		Attempts  int   `json:"attempts"`
		Complete  int   `json:"complete"`
		Bytes     int64 `json:"bytes"`
		Reclaimed int   `json:"reclaimed"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Attempts != 1 || resp.Complete != 1 || resp.Bytes == 0 || resp.Reclaimed != 0 {
		t.Errorf("storage = %+v", resp)
	}
}
