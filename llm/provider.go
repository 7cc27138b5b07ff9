package llm

import (
	"context"
	"errors"

	"github.com/metherx/cellagent/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Tools      bool
	Embeddings bool
}

// Provider is the language model boundary. The engine expresses its
// decision triple through tool calling: a response with tool calls is a
// tool or retrieval decision, plain content is a final answer.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}
