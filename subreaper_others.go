//go:build !linux

package saddle

// BecomeSubreaper is a no-op outside of linux. Arbiters that are not our
// children are waited on by polling the process table.
func BecomeSubreaper() error {
	return nil
}
