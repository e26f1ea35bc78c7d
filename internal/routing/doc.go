// Package routing selects providers for tasks and dispatches with fallback.
//
// # Rules
//
// A RuleSet maps task types to an ordered provider chain (primary plus
// fallbacks), loaded from TOML. Unknown task types resolve to the mandatory
// "default" rule. A provider can appear at most once per chain.
//
// # Router
//
// Route picks the first eligible provider in the chain: registered, not
// unreachable per the health monitor, and within quota. Dispatch invokes the
// selection and walks the chain on transport failures, bounded by
// max_attempts. The error taxonomy drives retry behavior:
//
//   - TransportError: timeout, refused connection, open circuit. Retried
//     against the next fallback.
//   - BusinessError: the provider rejected the request. Surfaced immediately;
//     retrying elsewhere cannot succeed and would burn quota.
//   - NoRouteError: every candidate exhausted or ineligible; carries the
//     attempted provider list.
//
// Every attempt emits a RoutingDecision to the log and the optional sink.
// Decisions are observability data, never routing input.
//
// # Providers
//
// Providers form a closed set behind the Invoker interface. HTTPInvoker talks
// JSON-RPC to an agent's delegate endpoint and wraps each provider in its own
// circuit breaker, so a dead provider fails fast instead of costing a timeout
// per dispatch.
package routing
