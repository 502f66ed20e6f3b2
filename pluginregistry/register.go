// Package pluginregistry assembles the registry of builtin plugins a
// worker process starts with. Hardware-backed implementations plug in
// through Deps; everything left nil falls back to the synthetic or raw
// defaults.
package pluginregistry

import (
	"github.com/gazehub/gazehub/errors"
	"github.com/gazehub/gazehub/plugin"
	"github.com/gazehub/gazehub/worker"
)

// Deps carries the external collaborators the builtin plugins consume
// through their narrow interfaces.
type Deps struct {
	OpenCapture worker.CaptureOpener
	NewWriter   worker.WriterFactory
}

// Builtin returns a registry with every builtin plugin registered.
func Builtin(deps Deps) (*plugin.Registry, error) {
	reg := plugin.NewRegistry()

	register := map[string]plugin.Factory{
		worker.PluginCaptureSource:  worker.NewCaptureFactory(deps.OpenCapture),
		worker.PluginFramePublisher: worker.NewFramePublisherFactory(),
		worker.PluginRecorder:       worker.NewRecorderFactory(deps.NewWriter),
	}
	for name, factory := range register {
		if err := reg.Register(name, factory); err != nil {
			return nil, errors.Wrap(err, "PluginRegistry", "Builtin", "register "+name)
		}
	}
	return reg, nil
}
