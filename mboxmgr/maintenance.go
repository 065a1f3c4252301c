package mboxmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mjl-/mboxcache/mailbox"
	"github.com/mjl-/mboxcache/metrics"
	"github.com/mjl-/mboxcache/store"
)

// BeginMaintenance starts exclusive access to the mailbox of an account,
// returning the token that must be passed to EndMaintenance. The token
// occupies the cache slot of the mailbox: only its allowed owners, initially
// the owner in ctx, can resolve the mailbox until maintenance ends.
//
// If the account has no mailbox yet, a token for mailboxID is placed, so the
// mailbox can be created or restored under maintenance.
//
// ErrAlreadyInMaintenance is returned if the mailbox is already in
// maintenance, unless nested maintenance is allowed and the owner in ctx has
// access.
func (m *Manager) BeginMaintenance(ctx context.Context, accountID string, mailboxID int64) (*mailbox.Maintenance, error) {
	return m.beginMaintenance(ctx, accountID, mailboxID, false)
}

func (m *Manager) beginMaintenance(ctx context.Context, accountID string, mailboxID int64, skipHomeCheck bool) (*mailbox.Maintenance, error) {
	var mb *mailbox.Mailbox
	var err error
	if skipHomeCheck && mailboxID > 0 {
		mb, err = m.ResolveByID(ctx, mailboxID, DoNotAutoCreate, true)
	} else {
		mb, err = m.Resolve(ctx, accountID, DoNotAutoCreate)
	}
	if errors.Is(err, ErrInMaintenance) {
		metrics.MaintenanceInc("rejected")
		return nil, fmt.Errorf("%w: %v", ErrAlreadyInMaintenance, err)
	} else if err != nil {
		return nil, err
	}

	if mb == nil {
		m.Lock()
		if _, ok := m.accounts[strings.ToLower(accountID)]; !ok {
			defer m.Unlock()
			if mailboxID <= 0 {
				return nil, fmt.Errorf("%w: no mailbox for account %q", ErrNoSuchMailbox, accountID)
			}
			if _, ok := m.cache[mailboxID]; ok {
				metrics.MaintenanceInc("rejected")
				return nil, ErrAlreadyInMaintenance
			}
			mt := mailbox.NewMaintenance(ctx, accountID, mailboxID)
			m.cacheMaintenanceLocked(mailboxID, mt)
			metrics.MaintenanceInc("begin")
			m.log.Debug("maintenance started for account without mailbox", slog.String("account", accountID), slog.Int64("mailboxid", mailboxID))
			return mt, nil
		}
		m.Unlock()

		// Created concurrently.
		mb, err = m.Resolve(ctx, accountID, AutoCreate)
		if errors.Is(err, ErrInMaintenance) {
			metrics.MaintenanceInc("rejected")
			return nil, fmt.Errorf("%w: %v", ErrAlreadyInMaintenance, err)
		} else if err != nil {
			return nil, err
		}
	}

	var mt *mailbox.Maintenance
	mb.WithWLock(func() {
		mt, err = mb.BeginMaintenance(ctx)
		if err != nil {
			return
		}
		m.Lock()
		m.cacheMaintenanceLocked(mb.ID, mt)
		m.Unlock()
	})
	if err != nil {
		metrics.MaintenanceInc("rejected")
		return nil, ErrAlreadyInMaintenance
	}
	metrics.MaintenanceInc("begin")
	m.log.Debug("maintenance started", slog.String("maintenance", mt.String()))
	return mt, nil
}

// EndMaintenance ends maintenance started with BeginMaintenance.
//
// On success, the mailbox becomes available again. With evict, the mailbox
// object is dropped from the cache and its resources released, and the next
// resolve loads a new mailbox object. The dropped object stays in maintenance.
// If the mailbox is still in nested maintenance, the token stays in place.
//
// Without success, the token is marked unavailable so current holders can no
// longer use the mailbox.
//
// ErrWrongToken is returned if mt does not occupy the slot of the mailbox.
func (m *Manager) EndMaintenance(ctx context.Context, mt *mailbox.Maintenance, success, evict bool) error {
	if mt == nil {
		return fmt.Errorf("%w: no token", ErrWrongToken)
	}

	m.Lock()
	s, ok := m.cache[mt.MailboxID]
	if !ok || s.kind != slotMaintenance || s.maint != mt || s.evicting {
		m.Unlock()
		metrics.MaintenanceInc("wrongtoken")
		m.log.Debug("maintenance ended with wrong token", slog.String("passed", mt.String()), slog.String("occupant", s.String()))
		return fmt.Errorf("%w: mailbox %d", ErrWrongToken, mt.MailboxID)
	}
	mb := mt.Mailbox()

	if !success {
		m.removeLocked(mt.MailboxID)
		m.Unlock()
		if mb != nil {
			mb.EndMaintenance(false)
		}
		mt.MarkUnavailable()
		metrics.MaintenanceInc("endfailed")
		m.log.Info("maintenance failed, mailbox unavailable", slog.Int64("mailboxid", mt.MailboxID))
		return nil
	}

	if mb != nil && !evict && mb.EndMaintenance(true) {
		m.Unlock()
		metrics.MaintenanceInc("end")
		m.log.Debug("ended nested maintenance, still in maintenance", slog.Int64("mailboxid", mt.MailboxID))
		return nil
	}
	if mb == nil || !evict {
		m.removeLocked(mt.MailboxID)
		if mb != nil {
			m.cacheAccountLocked(mt.AccountID, mt.MailboxID)
			m.cacheMailboxLocked(mb)
		}
		m.Unlock()
		metrics.MaintenanceInc("end")
		if mb != nil {
			m.log.Debug("maintenance ended", slog.Int64("mailboxid", mb.ID))
			m.notifyAvailable(mb)
		}
		return nil
	}

	// The slot stays occupied until the mailbox is purged, so no new mailbox
	// object is loaded and bound to the shared state meanwhile.
	m.cacheAccountLocked(mt.AccountID, mt.MailboxID)
	m.cache[mt.MailboxID] = slot{kind: slotMaintenance, maint: mt, evicting: true}
	m.Unlock()

	// Mailbox is left in maintenance, for holders of a reference.
	if err := mb.Purge(ctx); err != nil {
		m.log.Errorx("purging evicted mailbox", err, slog.Int64("mailboxid", mb.ID))
	}

	m.Lock()
	if s, ok := m.cache[mt.MailboxID]; ok && s.evicting && s.maint == mt {
		m.removeLocked(mt.MailboxID)
	}
	if m.lockouts[strings.ToLower(mt.AccountID)] == mt {
		// Lockout applies again when the mailbox is reloaded.
		mt.DetachMailbox()
	}
	m.Unlock()
	metrics.MaintenanceInc("endevict")
	m.log.Debug("maintenance ended with evict", slog.Int64("mailboxid", mb.ID))
	m.notifyAvailable(mb)
	return nil
}

// Evict drops the mailbox of an account from the cache, releasing its
// resources. The mailbox is loaded again on next use.
func (m *Manager) Evict(ctx context.Context, accountID string) error {
	id, ok := m.LookupMailboxID(accountID)
	if !ok {
		return fmt.Errorf("%w: account %q", ErrNoSuchMailbox, accountID)
	}
	mt, err := m.BeginMaintenance(ctx, accountID, id)
	if err != nil {
		return err
	}
	return m.EndMaintenance(mt.Context(ctx), mt, true, true)
}

// Lockout puts the mailbox of an account in maintenance without allowed
// owners, so no one can use it until UndoLockout. Maintenance nested in the
// lockout is allowed for owners registered with RegisterOuterMaintenanceOwner.
func (m *Manager) Lockout(ctx context.Context, accountID string) error {
	if m.IsLockedOut(accountID) {
		return ErrAlreadyInMaintenance
	}
	mb, err := m.Resolve(ctx, accountID, AutoCreate)
	if err != nil {
		return err
	}
	mt, err := m.BeginMaintenance(ctx, accountID, mb.ID)
	if err != nil {
		return err
	}
	mt.SetNestedAllowed(true)
	for _, o := range mt.Owners() {
		mt.RemoveOwner(o)
	}
	m.Lock()
	m.lockouts[strings.ToLower(accountID)] = mt
	m.Unlock()
	m.log.Info("mailbox locked out", slog.String("account", accountID), slog.Int64("mailboxid", mb.ID))
	return nil
}

// UndoLockout removes the lockout of an account. If endMaintenance is set, the
// maintenance is ended and the mailbox becomes available again, otherwise the
// caller must end it.
func (m *Manager) UndoLockout(ctx context.Context, accountID string, endMaintenance bool) error {
	m.Lock()
	mt := m.lockouts[strings.ToLower(accountID)]
	delete(m.lockouts, strings.ToLower(accountID))
	var inCache bool
	if mt != nil {
		_, inCache = m.cache[mt.MailboxID]
	}
	m.Unlock()
	if mt == nil {
		return fmt.Errorf("%w: account %q", ErrNotLockedOut, accountID)
	}
	m.log.Info("undoing lockout", slog.String("account", accountID), slog.Bool("endmaintenance", endMaintenance))
	// Not in the cache after an eviction during the lockout, nothing to end.
	if endMaintenance && inCache {
		return m.EndMaintenance(mt.Context(ctx), mt, true, false)
	}
	return nil
}

func (m *Manager) IsLockedOut(accountID string) bool {
	m.Lock()
	defer m.Unlock()
	_, ok := m.lockouts[strings.ToLower(accountID)]
	return ok
}

// LockedOut returns the locked out accounts, lower-cased and sorted.
func (m *Manager) LockedOut() []string {
	m.Lock()
	defer m.Unlock()
	var l []string
	for acc := range m.lockouts {
		l = append(l, acc)
	}
	sort.Strings(l)
	return l
}

// RegisterOuterMaintenanceOwner returns a context with an owner allowed to use
// the locked out mailbox of the account, e.g. for a restore. If the account is
// not locked out, ctx is returned unchanged.
func (m *Manager) RegisterOuterMaintenanceOwner(ctx context.Context, accountID string) context.Context {
	m.Lock()
	mt := m.lockouts[strings.ToLower(accountID)]
	m.Unlock()
	if mt == nil {
		return ctx
	}
	m.log.Debug("registering maintenance owner", slog.String("account", accountID))
	return mt.Context(ctx)
}

// UnregisterMaintenanceOwner revokes access to the locked out mailbox for the
// owner in ctx.
func (m *Manager) UnregisterMaintenanceOwner(ctx context.Context, accountID string) {
	m.Lock()
	mt := m.lockouts[strings.ToLower(accountID)]
	m.Unlock()
	if o, ok := mailbox.OwnerFrom(ctx); ok && mt != nil {
		m.log.Debug("unregistering maintenance owner", slog.String("account", accountID))
		mt.RemoveOwner(o)
	}
}

// MarkDeleted removes all bookkeeping for the mailbox, for a mailbox that was
// deleted or moved to another server.
func (m *Manager) MarkDeleted(mb *mailbox.Mailbox) {
	acc := strings.ToLower(mb.AccountID)
	m.Lock()
	delete(m.lockouts, acc)
	delete(m.accounts, acc)
	m.removeLocked(mb.ID)
	m.Unlock()
	m.notifyDeleted(acc)
}

// DeleteMailbox removes the mailbox of an account and its folders from durable
// storage and the cache. The home server of the account is not checked, so
// moved mailboxes can be deleted.
func (m *Manager) DeleteMailbox(ctx context.Context, accountID string) error {
	id, ok := m.LookupMailboxID(accountID)
	if !ok {
		var err error
		id, err = m.opts.Store.MailboxID(ctx, accountID)
		if errors.Is(err, store.ErrAbsent) {
			return fmt.Errorf("%w: account %q", ErrNoSuchMailbox, accountID)
		} else if err != nil {
			return fmt.Errorf("looking up mailbox id: %w", err)
		}
	}
	mb, err := m.ResolveByID(ctx, id, DoNotAutoCreate, true)
	if err != nil {
		return err
	}
	mt, err := m.beginMaintenance(ctx, mb.AccountID, mb.ID, true)
	if err != nil {
		return err
	}
	ctx = mt.Context(ctx)

	if err := m.opts.Store.DeleteMailbox(ctx, mb.ID); err != nil {
		if xerr := m.EndMaintenance(ctx, mt, false, false); xerr != nil {
			m.log.Errorx("ending maintenance after failed delete", xerr, slog.Int64("mailboxid", mb.ID))
		}
		return fmt.Errorf("deleting mailbox: %w", err)
	}
	mb.DeleteSharedState(ctx)
	if err := m.EndMaintenance(ctx, mt, true, true); err != nil {
		m.log.Errorx("ending maintenance after delete", err, slog.Int64("mailboxid", mb.ID))
	}
	m.MarkDeleted(mb)
	m.log.Info("mailbox deleted", slog.String("account", mb.AccountID), slog.Int64("mailboxid", mb.ID))
	return nil
}

// Preload loads and opens the mailboxes, with at most concurrency mailboxes
// loading at a time. Mailboxes in maintenance or homed elsewhere are skipped.
func (m *Manager) Preload(ctx context.Context, ids []int64, concurrency int) error {
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, id := range ids {
		g.Go(func() (rerr error) {
			defer func() {
				x := recover()
				if x == nil {
					return
				}
				m.log.Error("unhandled panic while preloading", slog.Any("err", x), slog.Int64("mailboxid", id))
				debug.PrintStack()
				metrics.PanicInc(metrics.Preload)
				rerr = fmt.Errorf("panic while preloading mailbox %d: %v", id, x)
			}()

			_, err := m.ResolveByID(gctx, id, DoNotAutoCreate, false)
			if errors.Is(err, ErrInMaintenance) || errors.Is(err, ErrWrongHost) {
				m.log.Debugx("skipping preload of mailbox", err, slog.Int64("mailboxid", id))
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
