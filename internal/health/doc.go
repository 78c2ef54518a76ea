// Package health provides the probes behind the liveness and readiness
// endpoints of both listeners.
//
// [All] combines probes, [Fixed] is a static answer and [PingProbe] checks a
// dependency such as the counter store. [ShutdownGate] fails readiness as
// soon as draining starts so load balancers stop routing to the instance
// before in-flight requests finish.
package health
