package httpapi

import (
	"fmt"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/danielsimonjr/ironclaw/internal/sandbox"
)

// SSEEvent is one frame of an execution replay stream.
type SSEEvent struct {
	Type    string `json:"type,omitempty"`    // Set on the terminal frame.
	Content string `json:"content,omitempty"` // Log line, output payload, or error text.
	Level   string `json:"level,omitempty"`   // Guest log level on "log" frames.
}

// handleExecuteStream handles POST /v1/modules/{name}/execute/stream.
// Runs the module to completion and replays the execution as server-sent
// events: captured guest logs first, then the output or failure, then a
// terminal frame carrying the sandbox state.
func (g *Gateway) handleExecuteStream(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	tool := g.tools.Get(c.Param("name"))
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
		c.SSEvent("error", SSEEvent{Content: "execution failed"})
		return nil
	}

	if logs, ok := res.Metadata["logs"].([]sandbox.LogEntry); ok {
		for _, entry := range logs {
			c.SSEvent("log", SSEEvent{Content: entry.Message, Level: entry.Level})
		}
	}
	if dropped, ok := res.Metadata["logs_dropped"].(int); ok && dropped > 0 {
		c.SSEvent("log", SSEEvent{Content: fmt.Sprintf("%d log lines dropped", dropped), Level: "warn"})
	}

	if res.Success {
		c.SSEvent("output", SSEEvent{Content: res.Output})
	} else {
		c.SSEvent("error", SSEEvent{Content: res.Output})
	}

	state, _ := res.Metadata["state"].(string)
	c.SSEvent("done", SSEEvent{Type: "done", Content: state})
	return nil
}
