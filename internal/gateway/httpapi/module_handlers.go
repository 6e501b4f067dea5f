package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/danielsimonjr/ironclaw/internal/capability"
	"github.com/danielsimonjr/ironclaw/internal/registry"
	"github.com/danielsimonjr/ironclaw/internal/sandbox"
	"github.com/danielsimonjr/ironclaw/internal/security"
)

// **** Module request/response types ****

// ModuleResponse is the JSON shape for one installed module.
type ModuleResponse struct {
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	Trust     string    `json:"trust"`
	Status    string    `json:"status"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModuleDetailResponse adds the raw capability declaration.
type ModuleDetailResponse struct {
	ModuleResponse
	Declaration string `json:"declaration"`
}

// StatusRequest is the JSON body for POST /v1/modules/{name}/status.
type StatusRequest struct {
	Status string `json:"status"` // "active" or "disabled"
}

// ExecuteRequest is the JSON body for POST /v1/modules/{name}/execute.
type ExecuteRequest struct {
	Input map[string]any `json:"input,omitempty"`
}

// ExecuteResponse is the JSON response after a sandbox execution.
type ExecuteResponse struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	State       string         `json:"state,omitempty"`
	Success     bool           `json:"success"`
	Output      string         `json:"output"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func toModuleResponse(rec *registry.Record) ModuleResponse {
	return ModuleResponse{
		Name:      rec.Name,
		Checksum:  rec.Checksum,
		Trust:     rec.Trust,
		Status:    string(rec.Status),
		SizeBytes: rec.BinarySize,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// **** Handlers ****

// handleModuleInstall accepts a multipart form with a "module" wasm file
// and a "declaration" yaml file, validates both, and registers the tool.
func (g *Gateway) handleModuleInstall(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	correlationID := newCorrelationID()

	r := c.Request()
	maxSize := g.config.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		return c.AbortBadRequest("multipart form with module and declaration files required")
	}

	wasm, err := readFormFile(r, "module")
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	declBytes, err := readFormFile(r, "declaration")
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	// Parse here so declaration problems surface as 400s with the
	// validation message; the loader re-checks on its own path.
	decl, err := capability.ParseDeclaration(declBytes)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	rec, err := g.loader.Install(c.Context(), wasm, declBytes)
	if err != nil {
		g.audit(c, security.ActionInstall, decl.Name, security.DecisionError, err)
		g.logger.Error("module install failed",
			slog.String("module", decl.Name),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, sandbox.ErrInvalidModule) || errors.Is(err, sandbox.ErrCompilation) {
			return c.AbortBadRequest(err.Error())
		}
		return c.AbortInternalServerError("install failed")
	}

	g.audit(c, security.ActionInstall, rec.Name, security.DecisionAllowed, nil)
	g.logger.Info("module installed",
		slog.String("module", rec.Name),
		slog.String("trust", rec.Trust),
		slog.String("checksum", rec.Checksum),
		slog.String("correlation_id", correlationID),
	)
	return c.JSON(http.StatusCreated, toModuleResponse(rec))
}

func (g *Gateway) handleModuleList(c *okapi.Context) error {
	recs, err := g.store.List(c.Context())
	if err != nil {
		return c.AbortInternalServerError("listing modules failed")
	}
	resp := make([]ModuleResponse, len(recs))
	for i, rec := range recs {
		resp[i] = toModuleResponse(rec)
	}
	return c.OK(resp)
}

func (g *Gateway) handleModuleGet(c *okapi.Context) error {
	rec, err := g.store.Get(c.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "module not found"})
		}
		return c.AbortInternalServerError("lookup failed")
	}
	return c.OK(ModuleDetailResponse{
		ModuleResponse: toModuleResponse(rec),
		Declaration:    rec.Declaration,
	})
}

func (g *Gateway) handleModuleRemove(c *okapi.Context) error {
	name := c.Param("name")
	if err := g.loader.Remove(c.Context(), name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "module not found"})
		}
		g.audit(c, security.ActionRemove, name, security.DecisionError, err)
		g.logger.Error("module remove failed",
			slog.String("module", name),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("remove failed")
	}

	g.audit(c, security.ActionRemove, name, security.DecisionAllowed, nil)
	return c.OK(okapi.M{"status": "removed"})
}

func (g *Gateway) handleModuleStatus(c *okapi.Context) error {
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	status := registry.Status(req.Status)
	if status != registry.StatusActive && status != registry.StatusDisabled {
		return c.AbortBadRequest(`status must be "active" or "disabled"`)
	}

	if err := g.loader.SetStatus(c.Context(), c.Param("name"), status); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "module not found"})
		}
		return c.AbortInternalServerError("status change failed")
	}
	return c.OK(okapi.M{"status": req.Status})
}

func (g *Gateway) handleModuleExecute(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	name := c.Param("name")
	tool := g.tools.Get(name)
	if tool == nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "module not found"})
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if err := tool.Validate(req.Input); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	res, err := tool.Execute(c.Context(), req.Input)
	if err != nil {
		g.logger.Error("module execution failed",
			slog.String("module", name),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("execution failed")
	}

	resp := ExecuteResponse{
		Success:  res.Success,
		Output:   res.Output,
		Metadata: res.Metadata,
	}
	if id, ok := res.Metadata["execution_id"].(string); ok {
		resp.ExecutionID = id
	}
	if state, ok := res.Metadata["state"].(string); ok {
		resp.State = state
	}
	return c.OK(resp)
}

func (g *Gateway) handleRescan(c *okapi.Context) error {
	res, err := g.loader.Scan(c.Context())
	if err != nil {
		g.logger.Error("rescan failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("rescan failed")
	}
	return c.OK(res)
}

func (g *Gateway) handleAuditQuery(c *okapi.Context) error {
	q := c.Request().URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	events, err := g.store.Audit().Query(c.Context(), q.Get("module"), limit)
	if err != nil {
		return c.AbortInternalServerError("audit query failed")
	}
	return c.OK(events)
}

// **** Helpers ****

// audit records an admin action when a recorder is attached.
func (g *Gateway) audit(c *okapi.Context, action, target, decision string, err error) {
	if g.recorder == nil {
		return
	}
	event := security.AuditEvent{
		Timestamp: time.Now().UTC(),
		Module:    target,
		Action:    action,
		Target:    target,
		Decision:  decision,
	}
	if err != nil {
		event.Error = err.Error()
	}
	if rerr := g.recorder.Record(c.Context(), event); rerr != nil {
		g.logger.Warn("audit record failed", slog.String("error", rerr.Error()))
	}
}

// readFormFile pulls one uploaded file out of a parsed multipart form.
func readFormFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing %q file field", field)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", field, err)
	}
	return data, nil
}
