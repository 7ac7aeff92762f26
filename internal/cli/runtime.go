package cli

import (
	"fmt"
	"log/slog"

	"github.com/tdawe/crewline/internal/bus"
	"github.com/tdawe/crewline/internal/cancel"
	"github.com/tdawe/crewline/internal/collab"
	"github.com/tdawe/crewline/internal/config"
	"github.com/tdawe/crewline/internal/crew"
	"github.com/tdawe/crewline/internal/engine"
	"github.com/tdawe/crewline/internal/gate"
	"github.com/tdawe/crewline/internal/pubsub"
	"github.com/tdawe/crewline/internal/store"
)

// runtime is the wired object graph shared by the serve and work
// commands. Both roles open the same store; which loops they run on top
// of it is what differs.
type runtime struct {
	cfg      *config.Config
	store    *store.Store
	bus      *bus.Bus
	registry *cancel.Registry
	gate     *gate.Gate
	crews    *crew.Registry
	engine   *engine.Engine
}

// buildRuntime loads config and crews and wires the component graph.
func buildRuntime(configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	result, errs := crew.LoadCrews(cfg.Crews.Dir, crew.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError,
			fmt.Sprintf("load crews from %s", cfg.Crews.Dir), errs[0])
	}
	crews, err := crew.NewRegistry(result.Crews)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "register crews", err)
	}
	slog.Info("crews loaded", "dir", cfg.Crews.Dir, "count", len(result.Crews))

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError,
			fmt.Sprintf("open store %s", cfg.Store.Path), err)
	}

	broker := pubsub.NewBroker()
	b := bus.New(st, broker)
	registry := cancel.New(st, b, cancel.DefaultPollInterval)
	g := gate.New(st, b, registry, cfg.Gate.PollInterval)
	collaborator := collab.NewHTTP(cfg.Agents, cfg.Worker.CallTimeout)
	e := engine.New(st, b, g, registry, crews, collaborator, nil, nil)

	return &runtime{
		cfg:      cfg,
		store:    st,
		bus:      b,
		registry: registry,
		gate:     g,
		crews:    crews,
		engine:   e,
	}, nil
}

func (r *runtime) close() {
	if err := r.store.Close(); err != nil {
		slog.Error("close store", "error", err)
	}
}
