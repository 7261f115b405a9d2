// Package logx is a thin, dependency-free logging helper. It exists so
// every package in this module stamps its log lines with a consistent
// tag instead of hand-typing the prefix at each fmt.Printf call site.
package logx

import "fmt"

// Logger prints tagged lines to stdout in a bare fmt.Printf("<emoji>
// message") style rather than a structured logger.
type Logger struct {
	tag string
}

// New returns a Logger that prefixes every line with "[tag] ".
func New(tag string) *Logger {
	return &Logger{tag: tag}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	fmt.Printf("[%s] "+format+"\n", append([]interface{}{l.tag}, args...)...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	fmt.Printf("[%s] ⚠️  "+format+"\n", append([]interface{}{l.tag}, args...)...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	fmt.Printf("[%s] ❌ "+format+"\n", append([]interface{}{l.tag}, args...)...)
}
