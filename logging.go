package deepstream

import "github.com/kataras/golog"

// Logger is the package-level structured logger (github.com/kataras/golog).
// It defaults to a disabled logger so embedding this library in a host
// application never spams stdout unasked.
var Logger = golog.Default

func init() {
	Logger.SetLevel("disable")
}

// SetLogLevel lets an embedding application opt into client logging, e.g.
// SetLogLevel("debug") to see connection state transitions and protocol
// parse errors.
func SetLogLevel(level string) {
	Logger.SetLevel(level)
}

// SetLogger replaces the package-level logger entirely.
func SetLogger(l *golog.Logger) {
	Logger = l
}
