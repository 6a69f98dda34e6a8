// Package trap implements the Trap Controller: arming, disarming and
// single-stepping SLAT memory traps, and multiplexing the driver's
// single event callback out to the rest of the engine.
package trap

import (
	"context"
	"log"
	"sync"

	"github.com/jnesss/vmi-unpack/introspection"
)

// Handler is invoked for every memory-access event the controller
// dispatches. It decides whether the controller should resume the vCPU as
// is or single-step the faulting instruction first.
type Handler func(ctx context.Context, ev introspection.Event) introspection.EventResponse

// Controller owns trap (gpa, right) bookkeeping and vCPU single-step
// ordering. Idempotent arm/disarm per (gpa, right) is enforced by tracking
// the armed mask locally rather than trusting the driver to dedupe.
type Controller struct {
	driver introspection.Driver

	mu    sync.Mutex
	armed map[introspection.GPA]introspection.Right

	// stepLocks serializes events per vCPU: while a single-step is
	// outstanding for vCPU v, no other event on v may be dispatched to
	// the handler. Events on different vCPUs still interleave freely.
	stepLocks map[introspection.VCPU]*sync.Mutex

	handler Handler
}

// New builds a Controller over driver and registers its dispatch loop as
// the driver's single OnEvent callback.
func New(driver introspection.Driver) *Controller {
	c := &Controller{
		driver:    driver,
		armed:     make(map[introspection.GPA]introspection.Right),
		stepLocks: make(map[introspection.VCPU]*sync.Mutex),
	}
	driver.OnEvent(c.dispatch)
	return c
}

// OnEvent registers the handler invoked for every memory-access event.
func (c *Controller) OnEvent(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Arm installs a trap on gpa for the rights in mask. Idempotent per
// (gpa, bit): bits already armed are not re-requested from the driver.
func (c *Controller) Arm(gpa introspection.GPA, mask introspection.Right) error {
	c.mu.Lock()
	current := c.armed[gpa]
	toArm := mask &^ current
	c.mu.Unlock()

	if toArm == 0 {
		return nil
	}

	if err := c.driver.ArmTrap(gpa, toArm); err != nil {
		// Arming rejection is logged and retried on the next observation,
		// never fatal.
		log.Printf("trap: arm %#x mask %#x failed: %v (will retry on next observation)", gpa, toArm, err)
		return err
	}

	c.mu.Lock()
	c.armed[gpa] |= toArm
	c.mu.Unlock()
	return nil
}

// Disarm removes the rights in mask from gpa.
func (c *Controller) Disarm(gpa introspection.GPA, mask introspection.Right) error {
	c.mu.Lock()
	current := c.armed[gpa]
	toRemove := mask & current
	c.mu.Unlock()

	if toRemove == 0 {
		return nil
	}

	if err := c.driver.RemoveTrap(gpa, toRemove); err != nil {
		return err
	}

	c.mu.Lock()
	c.armed[gpa] &^= toRemove
	c.mu.Unlock()
	return nil
}

// ArmedMask reports which rights are currently believed armed on gpa.
func (c *Controller) ArmedMask(gpa introspection.GPA) introspection.Right {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed[gpa]
}

// DisarmAll removes every tracked trap, best-effort, used during
// shutdown.
func (c *Controller) DisarmAll() {
	c.mu.Lock()
	snapshot := make(map[introspection.GPA]introspection.Right, len(c.armed))
	for gpa, mask := range c.armed {
		snapshot[gpa] = mask
	}
	c.mu.Unlock()

	for gpa, mask := range snapshot {
		if err := c.Disarm(gpa, mask); err != nil {
			log.Printf("trap: disarm %#x during shutdown: %v", gpa, err)
		}
	}
}

func (c *Controller) lockFor(vcpu introspection.VCPU) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.stepLocks[vcpu]
	if !ok {
		l = &sync.Mutex{}
		c.stepLocks[vcpu] = l
	}
	return l
}

// dispatch is the driver's single OnEvent callback. For memory-access
// events it serializes per vCPU and, if the handler asks to single-step,
// removes the offending right from the frame and then re-arms the mask
// this controller had recorded for it, both before returning. The step
// itself, with the right temporarily granted, is left to the driver when
// it honors ResponseSingleStep after dispatch returns.
func (c *Controller) dispatch(ev introspection.Event) introspection.EventResponse {
	if ev.Kind != introspection.EventMemoryAccess {
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(context.Background(), ev)
		}
		return introspection.ResponseResume
	}

	lock := c.lockFor(ev.VCPU)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return introspection.ResponseResume
	}

	resp := h(context.Background(), ev)
	if resp == introspection.ResponseSingleStep {
		c.mu.Lock()
		prior := c.armed[ev.GPA]
		c.mu.Unlock()

		if err := c.driver.RemoveTrap(ev.GPA, ev.Access); err != nil {
			log.Printf("trap: grant %#x for single-step failed: %v", ev.GPA, err)
		}
		// Restore the recorded mask now, before returning; the driver's
		// own grant/step/re-arm sequence for ResponseSingleStep runs
		// after this, so execution past this instruction still traps.
		if err := c.driver.ArmTrap(ev.GPA, prior); err != nil {
			log.Printf("trap: re-arm %#x after single-step failed: %v", ev.GPA, err)
		}
	}
	return resp
}
