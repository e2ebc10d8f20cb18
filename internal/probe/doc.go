// Package probe performs single liveness checks against target URLs.
//
// A [Checker] turns one outbound request into a [check.Result]. The HTTP
// implementation classifies 2xx and 3xx responses as success and everything
// else (transport errors, timeouts, other status codes) as failure. Checks
// never return errors or panic; every problem is folded into the result.
package probe
