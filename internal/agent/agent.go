package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/logging"
)

// Controller is the host-side agent collaborator. Extensions steer the
// agent through it; the real implementation lives in the surrounding host
// application.
type Controller interface {
	// InjectContext adds background text to the agent's working context.
	InjectContext(ctx context.Context, text string) error
	// Steer interrupts the current turn with a correction.
	Steer(ctx context.Context, text string) error
	// FollowUp queues a message for after the current turn completes.
	FollowUp(ctx context.Context, text string) error
}

// LogController is the default Controller: it records each control call and
// succeeds. Host integrators replace it with a real agent binding.
type LogController struct {
	log *logging.Logger
}

// NewLogController creates the default controller.
func NewLogController(log *logging.Logger) *LogController {
	return &LogController{log: log.Named("agent")}
}

func (c *LogController) InjectContext(ctx context.Context, text string) error {
	c.log.Info("inject context", zap.Int("chars", len(text)))
	return nil
}

func (c *LogController) Steer(ctx context.Context, text string) error {
	c.log.Info("steer", zap.Int("chars", len(text)))
	return nil
}

func (c *LogController) FollowUp(ctx context.Context, text string) error {
	c.log.Info("follow up", zap.Int("chars", len(text)))
	return nil
}

// CompleteRequest is one LLM completion call issued by an extension.
type CompleteRequest struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

// Completer produces LLM completions.
type Completer interface {
	Complete(ctx context.Context, req CompleteRequest) (string, error)
}

// Validate checks a completion request before it reaches the backend.
func (r CompleteRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("maxTokens must be non-negative")
	}
	return nil
}
