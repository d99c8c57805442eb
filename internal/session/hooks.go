package session

import "github.com/sirupsen/logrus"

// FatalHooks registers cleanup that runs when the process dies on a fatal
// error. A Directory registers a single handler that disposes all of its
// live sessions.
type FatalHooks interface {
	OnFatal(fn func())
}

// LogrusHooks runs hooks from logrus' exit handlers, which fire whenever a
// logger logs at Fatal level. Panics only reach them when recovered and
// logged at Fatal, as push goroutines and the command's main goroutine do.
type LogrusHooks struct{}

// OnFatal registers fn with logrus.
func (LogrusHooks) OnFatal(fn func()) {
	logrus.RegisterExitHandler(fn)
}
