package provider

import "errors"

// Supervision error taxonomy. Wrapped with provider context via fmt.Errorf
// and matched with errors.Is.
var (
	// ErrAlreadyRegistered means the provider id is taken.
	ErrAlreadyRegistered = errors.New("provider already registered")

	// ErrNotRegistered means no provider exists under the id.
	ErrNotRegistered = errors.New("provider not registered")

	// ErrServerNotRunning means a tool call was made against a provider that
	// is crashed or not yet ready; such calls fail fast, never queue.
	ErrServerNotRunning = errors.New("server not running")

	// ErrToolNotFound means the tool is absent from the provider's
	// discovered list.
	ErrToolNotFound = errors.New("tool not found")

	// ErrSpawn means the process failed to start.
	ErrSpawn = errors.New("process spawn failed")

	// ErrStartupTimeout means no readiness within the startup budget.
	ErrStartupTimeout = errors.New("startup timeout")

	// ErrHandshake means the initialize exchange failed or errored.
	ErrHandshake = errors.New("handshake failed")

	// ErrDiscovery means the tools/list call failed.
	ErrDiscovery = errors.New("tool discovery failed")

	// ErrRestartLimit means the provider exhausted its restart budget and
	// stays down for the remainder of the run.
	ErrRestartLimit = errors.New("restart limit exceeded")
)
