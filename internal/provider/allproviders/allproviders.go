// Package allproviders links every provider client into the binary through
// their registration side effects.
package allproviders

import (
	_ "github.com/modelgate/modelgate/internal/provider/anthropic"
	_ "github.com/modelgate/modelgate/internal/provider/ollama"
	_ "github.com/modelgate/modelgate/internal/provider/openai"
	_ "github.com/modelgate/modelgate/internal/provider/openrouter"
	_ "github.com/modelgate/modelgate/internal/provider/xai"
)
