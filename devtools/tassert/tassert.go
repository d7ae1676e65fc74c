// Package tassert provides the handful of test assertion helpers used
// across this module's package tests.
package tassert

import (
	"runtime"
	"runtime/debug"
	"sync"
	"testing"
)

var (
	fatalities = make(map[string]struct{})
	mu         sync.Mutex
)

// CheckFatal fails the test immediately if err is non-nil. A second call
// for the same test name Goexits instead of double-reporting.
func CheckFatal(tb testing.TB, err error) {
	if err == nil {
		return
	}
	mu.Lock()
	if _, ok := fatalities[tb.Name()]; ok {
		mu.Unlock()
		runtime.Goexit()
	}
	fatalities[tb.Name()] = struct{}{}
	mu.Unlock()
	debug.PrintStack()
	tb.Fatal(err.Error())
}

func CheckError(tb testing.TB, err error) {
	if err != nil {
		debug.PrintStack()
		tb.Error(err.Error())
	}
}

func Fatalf(tb testing.TB, cond bool, msg string, args ...interface{}) {
	if !cond {
		debug.PrintStack()
		tb.Fatalf(msg, args...)
	}
}

func Errorf(tb testing.TB, cond bool, msg string, args ...interface{}) {
	if !cond {
		debug.PrintStack()
		tb.Errorf(msg, args...)
	}
}
