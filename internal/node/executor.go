package node

// Executor is the operator-supplied capability invoked whenever the Node
// accepts a Deploy, per spec.md §9 ("model as a capability... in
// simulations this is a no-op; in production it triggers the Nix build
// and systemd unit write"). The Nix/systemd/etc-hosts wiring itself is
// out of scope (spec.md §1); only this callback boundary is specified.
type Executor interface {
	Execute(Service) error
}

// NoopExecutor discards every Service, for simulation and tests.
type NoopExecutor struct{}

// Execute implements [Executor].
func (NoopExecutor) Execute(Service) error { return nil }

// ExecutorFunc adapts a plain function to [Executor].
type ExecutorFunc func(Service) error

// Execute implements [Executor].
func (f ExecutorFunc) Execute(s Service) error { return f(s) }
