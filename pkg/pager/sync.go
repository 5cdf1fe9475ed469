package pager

import (
	"errors"
	"fmt"
)

// ActionKind selects what Traverse does to each pager.
type ActionKind int

const (
	ActionSync ActionKind = iota
	ActionShutdown
)

func (k ActionKind) String() string {
	switch k {
	case ActionSync:
		return "sync"
	case ActionShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is applied to every pager by Traverse.
type Action struct {
	Kind ActionKind

	// Wait makes a sync block until the write-back is done.
	Wait bool
}

// Traverse applies a to every live file pager and then to the device
// pager. No lock is held while the action runs. All pagers are visited
// even if some fail; the failures are joined.
func (m *Manager) Traverse(a Action) error {
	var errs []error
	for _, p := range m.registry.snapshot() {
		if err := m.apply(p, a); err != nil {
			errs = append(errs, err)
		}
		p.obj.Unreference()
	}
	if err := m.apply(m.device, a); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) apply(p *Pager, a Action) error {
	switch a.Kind {
	case ActionShutdown:
		return p.obj.Shutdown()
	case ActionSync:
		if p.kind == KindDevice {
			return m.syncDisk(a.Wait)
		}
		return p.obj.Sync(a.Wait)
	default:
		return fmt.Errorf("unknown action %v", a.Kind)
	}
}

// syncDisk writes back the device object's dirty pages and flushes the
// device image.
func (m *Manager) syncDisk(wait bool) error {
	if wait {
		return errors.Join(m.device.obj.Sync(true), m.dev.Sync(true))
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if err := errors.Join(m.device.obj.Sync(true), m.dev.Sync(false)); err != nil {
			m.log.WithError(err).Warn("background device sync failed")
		}
	}()
	return nil
}

func (m *Manager) flushMetadata() error {
	return errors.Join(m.meta.FlushSuperblock(), m.meta.FlushAllNodes())
}

// SyncAll writes metadata and every pager's dirty pages back, then flushes
// the device. With wait unset it returns without waiting for the
// write-back; Wait joins it.
func (m *Manager) SyncAll(wait bool) error {
	err := m.flushMetadata()
	return errors.Join(err, m.Traverse(Action{Kind: ActionSync, Wait: wait}))
}

// ShutdownAll writes metadata and every pager back and stops all memory
// objects from taking further faults.
func (m *Manager) ShutdownAll() error {
	m.pending.Wait()
	err := m.flushMetadata()
	return errors.Join(err, m.Traverse(Action{Kind: ActionShutdown}))
}

// Wait blocks until background syncs started by SyncAll have finished.
func (m *Manager) Wait() {
	for _, p := range m.registry.snapshot() {
		p.obj.Wait()
		p.obj.Unreference()
	}
	m.pending.Wait()
}
