package evidence

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/listingproof/audit"
	"github.com/hazyhaar/listingproof/kit"
)

// RegisterMCP registers the evidence tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerCaptureTool(srv)
	s.registerGetTool(srv)
	s.registerListTool(srv)
	s.registerStorageTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// register wraps the endpoint with call logging and auditing before
// exposing it.
func (s *Service) register(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	mw := kit.Chain(kit.Logging(s.logger, tool.Name), audit.Middleware(s.audit, tool.Name))
	kit.RegisterMCPTool(srv, tool, mw(endpoint), decode)
}

// --- capture ---

type captureRequest struct {
	StockID      string `json:"stock_id"`
	LocationCode string `json:"location_code"`
}

func (s *Service) registerCaptureTool(srv *mcp.Server) {
	codes := make([]any, 0, len(s.cfg.Locations))
	for _, l := range s.cfg.Locations {
		codes = append(codes, l.Code)
	}
	tool := &mcp.Tool{
		Name:        "evidence_capture",
		Description: "Capture the price and payment tooltips of a listing for a location, timestamp them and build a PDF report. Failed attempts are returned with their failure stage and reason.",
		InputSchema: inputSchema(map[string]any{
			"stock_id":      map[string]any{"type": "string", "description": "Listing stock identifier"},
			"location_code": map[string]any{"type": "string", "enum": codes, "description": "Supported location"},
		}, []string{"stock_id", "location_code"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*captureRequest)
		a, err := s.Capture(ctx, r.StockID, r.LocationCode)
		if a == nil {
			return nil, err
		}
		return a, err
	}

	s.register(srv, tool, endpoint, kit.DecodeJSON[captureRequest]())
}

// --- get ---

type getRequest struct {
	ID string `json:"id"`
}

func (s *Service) registerGetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "evidence_get",
		Description: "Get one capture attempt with its digests, time proof and diagnostic log.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Attempt ID"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*getRequest)
		if r.ID == "" {
			return nil, &ValidationError{Field: "id", Reason: "must not be empty"}
		}
		return s.Get(ctx, r.ID)
	}

	s.register(srv, tool, endpoint, kit.DecodeJSON[getRequest]())
}

// --- list ---

type listRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type attemptSummary struct {
	ID            string        `json:"id"`
	StockID       string        `json:"stock_id"`
	LocationCode  string        `json:"location_code"`
	Status        Status        `json:"status"`
	FailureStage  string        `json:"failure_stage,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	ListingStatus ListingStatus `json:"listing_status"`
	Degraded      bool          `json:"time_proof_degraded"`
	StartedAt     string        `json:"started_at"`
	Purged        bool          `json:"purged"`
}

func (s *Service) registerListTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "evidence_list",
		Description: "List capture attempts, newest first.",
		InputSchema: inputSchema(map[string]any{
			"status": map[string]any{"type": "string", "enum": []any{"pending", "capturing", "hashing", "timestamping", "assembling", "complete", "failed"}, "description": "Filter by status"},
			"limit":  map[string]any{"type": "integer", "description": "Max results (default 50)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listRequest)
		if r.Status != "" && !Status(r.Status).Valid() {
			return nil, &ValidationError{Field: "status", Reason: "unknown status"}
		}
		limit := r.Limit
		if limit <= 0 {
			limit = 50
		}
		all, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]attemptSummary, 0, min(limit, len(all)))
		for _, a := range all {
			if r.Status != "" && string(a.Status) != r.Status {
				continue
			}
			if len(out) == limit {
				break
			}
			out = append(out, summarize(a))
		}
		return out, nil
	}

	s.register(srv, tool, endpoint, kit.DecodeJSON[listRequest]())
}

func summarize(a *Attempt) attemptSummary {
	return attemptSummary{
		ID:            a.ID,
		StockID:       a.Request.StockID,
		LocationCode:  a.Request.LocationCode,
		Status:        a.Status,
		FailureStage:  a.FailureStage,
		FailureReason: a.FailureReason,
		ListingStatus: a.ListingStatus,
		Degraded:      a.Status == StatusComplete && a.TimeProof.Degraded(),
		StartedAt:     a.StartedAt.UTC().Format(time.RFC3339Nano),
		Purged:        a.PurgedAt != nil,
	}
}

// --- storage ---

type storageRequest struct {
	Sweep bool `json:"sweep,omitempty"`
}

type storageResponse struct {
	*Usage
	Reclaimed int    `json:"reclaimed"`
	SweepErr  string `json:"sweep_error,omitempty"`
}

func (s *Service) registerStorageTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "evidence_storage",
		Description: "Report attempt counts and artifact disk usage. With sweep=true, apply the retention policy first.",
		InputSchema: inputSchema(map[string]any{
			"sweep": map[string]any{"type": "boolean", "description": "Reclaim expired artifacts before reporting"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*storageRequest)
		var resp storageResponse
		if r.Sweep {
			n, err := s.Sweep(ctx)
			resp.Reclaimed = n
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil, err
				}
				resp.SweepErr = err.Error()
			}
		}
		u, err := s.Usage(ctx)
		if err != nil {
			return nil, err
		}
		resp.Usage = u
		return resp, nil
	}

	s.register(srv, tool, endpoint, kit.DecodeJSON[storageRequest]())
}
