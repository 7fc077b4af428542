package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"portal-client/internal/logging"
)

// Service is a long-running loop that returns when ctx ends or it fails.
type Service interface {
	RunContext(ctx context.Context) error
}

type ServiceFunc func(ctx context.Context) error

func (f ServiceFunc) RunContext(ctx context.Context) error { return f(ctx) }

type StartHooks struct {
	OnExit func(error)
}

// Controller runs one Service at a time in the background and lets the
// owner stop it and wait for it to unwind.
type Controller struct {
	rootCtx context.Context
	logger  *logging.Logger
	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewController(rootCtx context.Context, logger *logging.Logger) *Controller {
	if logger == nil {
		panic("runtime.NewController: logger must not be nil")
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Controller{rootCtx: rootCtx, logger: logger}
}

func (c *Controller) Start(name string, service Service, hooks StartHooks) error {
	if service == nil {
		panic("runtime.Controller.Start: service must not be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("%s is already running", name)
	}
	ctx, cancel := context.WithCancel(c.rootCtx)
	c.cancel = cancel
	c.running = true
	c.logger.Debug("service starting", logging.Field("service", name))

	c.wg.Go(func() {
		defer cancel()
		runErr := service.RunContext(ctx)
		switch {
		case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
			c.logger.Debug("service exited due to context cancellation",
				logging.Field("service", name),
				logging.Field("error", runErr),
			)
		case runErr != nil:
			c.logger.Warn("service exited with error",
				logging.Field("service", name),
				logging.Field("error", runErr),
			)
		default:
			c.logger.Debug("service exited", logging.Field("service", name))
		}
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()

		if hooks.OnExit != nil {
			hooks.OnExit(runErr)
		}
	})
	return nil
}

func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the running service returns. A non-positive timeout
// waits indefinitely; false means the timeout elapsed first.
func (c *Controller) Wait(timeout time.Duration) bool {
	waitDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitDone)
	}()
	if timeout <= 0 {
		<-waitDone
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waitDone:
		return true
	case <-timer.C:
		return false
	}
}

func (c *Controller) StopAndWait(timeout time.Duration) bool {
	c.Stop()
	return c.Wait(timeout)
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
