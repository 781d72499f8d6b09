// Package runtime defines the compute backend interface for forage-broker.
//
// Each backing kind implements Backend once, and the rest of the broker
// selects an implementation through a Set instead of branching on kind:
//   - kubernetes: a namespace per workspace holding a single-replica
//     Deployment, a Service and a claim bound to a retained
//     PersistentVolume
//   - docker: a container per workspace with a named volume
//
// # Backend Interface
//
// Apply, WaitReady and ResolveAccess bring a workspace up. Probe observes
// it. Teardown removes the compute unit while leaving the data volume in
// place, and ReleaseData removes the volume separately, so whether data is
// preserved is decided by the caller.
//
// # Transports
//
// Every backend exposes direct transports in preference order: "stored"
// uses the connection descriptor saved with the workspace record and
// "ambient" uses the broker's own credentials. Kubernetes credentials are
// resolved by ResolveCredentials, which returns the first usable source
// together with the history of failed attempts.
//
// # Mock Backend
//
// For testing, NewMockBackend keeps each volume in a local directory and
// runs commands on the local machine with workspace paths rewritten.
package runtime
