// Package builtin registers the plugins compiled into plugd.
package builtin

import (
	"plugd/internal/plugin"
	"plugd/internal/plugin/builtin/echo"
	"plugd/internal/plugin/builtin/system"
)

// Register adds every bundled module to c.
func Register(c *plugin.Catalog) error {
	for name, m := range map[string]plugin.Module{
		"echo":   echo.Module(),
		"system": system.Module(),
	} {
		if err := c.Register(name, m); err != nil {
			return err
		}
	}
	return nil
}
