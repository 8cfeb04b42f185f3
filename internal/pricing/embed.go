package pricing

import "embed"

//go:embed defaults/*.yaml
var defaultsFS embed.FS

// LoadDefaults loads the embedded pricing descriptors shipped with the
// binary. Called before LoadDir so an on-disk descriptor overrides the
// embedded one for the same provider and model.
func (c *Catalog) LoadDefaults() error {
	return c.LoadFS(defaultsFS, "defaults")
}
