//go:build !darwin

package disk

// Drive-stat sampling is wired on darwin only; elsewhere the monitor
// reports the up/down state without a utilization reading.
type utilSampler struct{}

func (*utilSampler) sample() (float64, bool) { return 0, false }
