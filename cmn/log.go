package cmn

import "github.com/golang/glog"

// Verbosity levels used consistently across packages: a handful of named
// glog.Level constants rather than ad-hoc numbers at call sites.
const (
	SmoduleVerbose glog.Level = 4
	SmoduleTrace   glog.Level = 5
)
