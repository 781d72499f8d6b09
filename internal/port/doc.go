// Package port provides host port allocation for Docker-backed workspaces.
//
// Each workspace container publishes its ports on unique host ports. The
// caller collects the ports already published by managed containers and
// asks for as many new ones as the workspace exposes:
//
//	ports, err := port.Allocate(cfg.Docker.PortRange, used, len(spec.Ports))
//
// # Allocation Strategy
//
// Ports are allocated first-fit: the lowest available values are chosen.
// This keeps the range compact as workspaces are created and destroyed.
package port
