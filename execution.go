package vmcs

import (
	"fmt"
	"time"
)

// Enter runs every check against c and, only if they all pass, calls enter
// to perform the VM-entry. A check failure or logic error is returned without
// calling enter.
func Enter(c *Checker, enter func() error) error {
	if c == nil {
		return fmt.Errorf("vmcs: checker is nil")
	}
	if enter == nil {
		return fmt.Errorf("vmcs: enter func is nil")
	}

	if err := c.All(); err != nil {
		return err
	}

	start := time.Now()
	if err := enter(); err != nil {
		return fmt.Errorf("failed to enter guest: %w", err)
	}
	c.log.WithField("elapsed", time.Since(start)).Debug("vm-entry completed")
	return nil
}
