package container

import (
	"errors"
	"strings"
	"time"
)

func errBeforeStart(d time.Duration) error {
	return errors.New("process exited before start duration " + d.String())
}

// IsBeforeStartErr reports whether err indicates the container exited
// before its StartDuration elapsed.
func IsBeforeStartErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "exited before start duration")
}
