// Package log defines the structured logging facade shared by the relay
// engines. Implementations live elsewhere (see the zap package); the engines
// depend only on the Logger interface so hosting processes control the sink.
package log
