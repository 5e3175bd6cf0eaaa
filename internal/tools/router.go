package tools

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chat-gateway/internal/llm"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrToolExecution = errors.New("tool execution failed")
)

// Tool es una capacidad externa que el proveedor puede solicitar a mitad de turno.
type Tool interface {
	Name() string
	Description() string
	Parameters() []byte
	Invoke(ctx context.Context, arguments string) (string, error)
}

// Router registra herramientas y ejecuta las solicitudes de tool call que
// llegan como fragments del proveedor. Un turno invoca a lo sumo una
// herramienta por iteracion; el tope de iteraciones lo controla el orquestador.
type Router struct {
	logger *zap.Logger
	tools  map[string]Tool
	order  []string
}

func NewRouter(logger *zap.Logger, tools ...Tool) *Router {
	r := &Router{
		logger: logger,
		tools:  make(map[string]Tool, len(tools)),
	}
	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, exists := r.tools[t.Name()]; exists {
			continue
		}
		r.tools[t.Name()] = t
		r.order = append(r.order, t.Name())
	}
	return r
}

// HasTools indica si hay al menos una herramienta registrada.
func (r *Router) HasTools() bool {
	return r != nil && len(r.tools) > 0
}

// Definitions expone las herramientas registradas en el formato que espera el
// proveedor en la completion request.
func (r *Router) Definitions() []llm.ToolDefinition {
	if r == nil {
		return nil
	}
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// ShouldInvoke devuelve la solicitud de tool call si el fragment codifica una.
func (r *Router) ShouldInvoke(fragment llm.Fragment) (*llm.ToolCall, bool) {
	if fragment.Type != llm.FragmentToolCall || fragment.ToolCall == nil {
		return nil, false
	}
	return fragment.ToolCall, true
}

// Invoke ejecuta exactamente una herramienta registrada. Los fallos se
// devuelven envueltos en ErrToolExecution; el orquestador los degrada a un
// mensaje tool con el error, nunca aborta el turno por esto.
func (r *Router) Invoke(ctx context.Context, call llm.ToolCall) (string, error) {
	if r == nil {
		return "", ErrUnknownTool
	}
	tool, ok := r.tools[call.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	result, err := tool.Invoke(ctx, call.Arguments)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("tool invocation failed",
				zap.String("tool", call.Name),
				zap.Error(err),
			)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrToolExecution, call.Name, err)
	}
	return result, nil
}
