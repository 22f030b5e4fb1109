package tool

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
)

// Executor resolves a tool by name, validates its arguments and invokes it. It is
// the engine's only entry point to providers.
type Executor struct {
	registry *Registry
	client   *Client
}

var _ contractx.ToolInvoker = (*Executor)(nil)

func NewExecutor(registry *Registry, client *Client) *Executor {
	return &Executor{registry: registry, client: client}
}

func (e *Executor) Invoke(ctx context.Context, tool string, callID string, args map[string]any) (contractx.ToolResult, error) {
	d, err := e.registry.Resolve(tool)
	if err != nil {
		return contractx.ToolResult{}, &contractx.ToolError{
			Kind:    contractx.ErrToolNotFound,
			Tool:    tool,
			CallID:  callID,
			Message: "unknown tool",
			Err:     err,
		}
	}
	if err := e.registry.ValidateArguments(d, args); err != nil {
		var toolErr *contractx.ToolError
		if errors.As(err, &toolErr) {
			toolErr.CallID = callID
			return contractx.ToolResult{}, toolErr
		}
		return contractx.ToolResult{}, err
	}
	return e.client.Invoke(ctx, d, callID, args)
}

func (e *Executor) Catalog() []contractx.ToolSpec {
	return e.registry.Catalog()
}

// ToolInfos converts catalog entries into the eino tool declarations bound to a
// chat model.
func ToolInfos(specs []contractx.ToolSpec) []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(specs))
	for _, spec := range specs {
		info := &schema.ToolInfo{Name: spec.Name, Desc: spec.Description}
		if params := objectParams(spec.Parameters); len(params) > 0 {
			info.ParamsOneOf = schema.NewParamsOneOfByParams(params)
		}
		out = append(out, info)
	}
	return out
}

func objectParams(s map[string]any) map[string]*schema.ParameterInfo {
	props, _ := s["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := map[string]bool{}
	if req, ok := s["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	out := make(map[string]*schema.ParameterInfo, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		p := paramInfo(prop)
		p.Required = required[name]
		out[name] = p
	}
	return out
}

func paramInfo(s map[string]any) *schema.ParameterInfo {
	p := &schema.ParameterInfo{}
	p.Desc, _ = s["description"].(string)
	if enum, ok := s["enum"].([]any); ok {
		for _, v := range enum {
			if str, ok := v.(string); ok {
				p.Enum = append(p.Enum, str)
			}
		}
	}

	switch s["type"] {
	case "integer":
		p.Type = schema.Integer
	case "number":
		p.Type = schema.Number
	case "boolean":
		p.Type = schema.Boolean
	case "array":
		p.Type = schema.Array
		items, _ := s["items"].(map[string]any)
		p.ElemInfo = paramInfo(items)
	case "object":
		p.Type = schema.Object
		p.SubParams = objectParams(s)
	default:
		p.Type = schema.String
	}
	return p
}
