package store

import (
	"fmt"
	"strings"

	"pkt.systems/pslog"
)

// Driver names accepted by NewDriver.
const (
	DriverFile = "file"
	DriverBolt = "bolt"
)

// NewDriver constructs the named driver for path.
func NewDriver(name, path string, logger pslog.Logger) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DriverFile:
		return NewFileDriver(path, logger)
	case DriverBolt:
		return NewBoltDriver(path, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", name)
	}
}
