package plugins

import (
	"fmt"
	"runtime/debug"

	"skimmerwatch/internal/metrics"
	"skimmerwatch/internal/types"
)

// isolate runs one plugin invocation, turning both returned errors and panics
// into a PluginFault so a broken plugin never takes down the caller.
func (r *Registry) isolate(kind Kind, name string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &types.PluginFault{
				Kind:   string(kind),
				Plugin: name,
				Cause:  fmt.Errorf("%v", rec),
				Panic:  true,
			}
			r.logger.Debug("Plugin panic stack", "kind", kind, "plugin", name, "stack", string(debug.Stack()))
		}
		if err != nil {
			metrics.PluginFaults.WithLabelValues(string(kind), name).Inc()
			r.logger.Error("Plugin fault", "kind", kind, "plugin", name, "error", err)
		}
	}()

	if err := fn(); err != nil {
		return types.NewPluginFault(string(kind), name, err)
	}
	return nil
}
