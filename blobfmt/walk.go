package blobfmt

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang/glog"
	"github.com/karrick/godirwalk"

	"github.com/bobstore/bob/cmn"
)

// Partition describes one on-disk `<group>/<start_timestamp>/` directory
// discovered during startup or recovery.
type Partition struct {
	StartTimestamp uint64
	Dir            string
}

// ListPartitions scans dir for immediate subdirectories named as decimal
// start_timestamp values, skipping unparsable names with a warning.
func ListPartitions(dir string) ([]Partition, error) {
	var out []Partition
	entries, err := godirwalk.ReadDirnames(dir, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cmn.NewStorage("list partitions: " + err.Error())
	}
	for _, name := range entries {
		ts, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			glog.Warningf("blobfmt: skipping unparseable partition name %q in %s", name, dir)
			continue
		}
		out = append(out, Partition{StartTimestamp: ts, Dir: filepath.Join(dir, name)})
	}
	return out, nil
}

// BlobFileName builds the conventional `<prefix>.<n>.blob` file name for
// the n-th blob file in a partition directory.
func BlobFileName(prefix string, n int) string {
	return prefix + "." + strconv.Itoa(n) + ".blob"
}

// IndexFileName mirrors BlobFileName for the companion index.
func IndexFileName(prefix string, n int) string {
	return prefix + "." + strconv.Itoa(n) + ".index"
}
