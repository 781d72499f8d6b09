// Package terminal bridges interactive shells in workspaces to websocket
// clients.
//
// A Manager resolves the caller's workspace and walks the access broker's
// transports, starting the configured shell on each channel (falling back
// to a secondary shell when the first cannot start) until one runs. Binary frames carry raw
// terminal bytes in both directions; text frames carry JSON control
// messages such as resize, ping and close.
//
// A session ends on the first of: client close, client disconnect, shell
// exit, idle timeout or server shutdown. Either way both sides are closed
// and the session is removed from the manager before Serve returns.
package terminal
