// Package zap provides the zap-backed implementation of the relay log facade
// with OpenTelemetry trace correlation.
package zap
