// Package app wires the broker's components from configuration.
//
// New opens the registry store, connects a backend for each enabled
// backing kind, and builds the provisioner, access broker, terminal
// manager and health monitor on top of them. Tests replace the backends
// and the command executor through functional options:
//
//	a, err := app.New(ctx, cfg,
//	    app.WithBackends(runtime.NewMockBackend(workspace.KindDocker, dir, cfg.Workspace.Root)),
//	    app.WithExecutor(system.NewMockExecutor()),
//	)
//	defer a.Close()
package app
