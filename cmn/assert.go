package cmn

import (
	"fmt"
	"runtime/debug"
)

// Assert panics with a stack trace if cond is false. Used only for
// invariants that would indicate a programming error, never for
// validating external input.
func Assert(cond bool, args ...interface{}) {
	if cond {
		return
	}
	debug.PrintStack()
	if len(args) == 0 {
		panic("cmn: assertion failed")
	}
	panic(fmt.Sprint(args...))
}

func AssertNoErr(err error) {
	if err == nil {
		return
	}
	debug.PrintStack()
	panic(err)
}
