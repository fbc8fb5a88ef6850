package supervisor

import (
	goSync "sync"

	"github.com/sidkik/dirmirror/pkg/errors"
	"github.com/sidkik/dirmirror/pkg/sync"
)

// Controller is the control surface used by the CLI. It remembers the
// configured targets, so that watching can be toggled and reconfigured
// without the caller keeping track of the supervisor's state.
type Controller struct {
	supervisor *Supervisor

	lock     goSync.Mutex
	targets  []sync.Target
	watching bool
}

// NewController returns a Controller that drives `supervisor`.
func NewController(supervisor *Supervisor) *Controller {
	return &Controller{supervisor: supervisor}
}

// ApplyConfiguration replaces the configured targets. If watching is
// enabled, the supervisor is restarted so that the new targets take effect.
func (c *Controller) ApplyConfiguration(targets []sync.Target) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.targets = append([]sync.Target{}, targets...)
	if !c.watching {
		return nil
	}

	c.supervisor.Stop()
	if err := c.supervisor.Start(c.targets); err != nil {
		c.watching = false
		return errors.WithContext(err, "restart")
	}
	return nil
}

// StartAll starts watching every configured target. It's a no-op if
// watching is already enabled.
func (c *Controller) StartAll() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.watching {
		return nil
	}

	if err := c.supervisor.Start(c.targets); err != nil {
		return errors.WithContext(err, "start")
	}
	c.watching = true
	return nil
}

// StopAll stops watching. It blocks until every session has exited.
func (c *Controller) StopAll() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.supervisor.Stop()
	c.watching = false
}

// IsWatching returns whether watching is enabled. It's true after StartAll
// even if none of the targets could be watched.
func (c *Controller) IsWatching() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.watching
}

// Targets returns the configured targets.
func (c *Controller) Targets() []sync.Target {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]sync.Target{}, c.targets...)
}
