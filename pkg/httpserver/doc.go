// Package httpserver runs the service's HTTP listener with graceful
// shutdown. Construction takes a Config, loaded from HTTP_* environment
// variables, plus options for the logger and start hooks. Run blocks
// until the context is canceled or the process receives SIGINT or
// SIGTERM, then drains in-flight requests under the configured shutdown
// deadline. Failures carry the ErrStart and ErrShutdown sentinels for
// errors.Is.
//
// HealthCheckHandler serves both probe styles: liveness when called with
// no check functions, readiness when dependency checks are supplied.
package httpserver
