// Package resilience implements a three-state circuit breaker used around
// the remote tab-host transport. Repeated failures open the circuit so a
// dead browser endpoint fails fast instead of stalling every sync batch;
// after a cooldown a limited number of probes decide whether to close it.
package resilience
