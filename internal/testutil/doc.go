// Package testutil provides fixtures and a wired test environment.
//
// # Fixtures
//
// TOML configuration fixtures are embedded using go:embed:
//
//	fixtures/valid_config.toml
//	fixtures/invalid_config.toml
//
// LoadConfigFixture decodes one over config.Default, so fixtures only
// carry the fields they exercise.
//
// # Test Environment
//
// NewTestEnv wires the registry, provisioner, access broker and terminal
// manager over a runtime.MockBackend whose volumes are local directories
// and whose channels run commands as local processes:
//
//	env := testutil.NewTestEnv(t)
//	ws := env.RunningWorkspace("42")
//	env.WriteFile(ws, "src/main.go", "package main")
//	tree, err := env.App.Broker.ListTree(env.Ctx, ws, "")
package testutil
