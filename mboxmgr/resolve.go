package mboxmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mjl-/mboxcache/mailbox"
	"github.com/mjl-/mboxcache/metrics"
	"github.com/mjl-/mboxcache/store"
)

// Resolve returns the mailbox for an account.
//
// For an account without mailbox, a nil mailbox and nil error are returned
// with DoNotAutoCreate, and a new mailbox is created with AutoCreate. With
// OnlyIfCached, nil is returned if the mailbox is not cached and fully opened.
//
// Errors are ErrNoSuchAccount, a *WrongHostError for accounts on another
// server, and a *MaintenanceError if the mailbox is in maintenance and the
// owner in ctx is not allowed access.
func (m *Manager) Resolve(ctx context.Context, accountID string, mode FetchMode) (*mailbox.Mailbox, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrNoSuchAccount)
	}
	defer metrics.MailboxGetObserve(time.Now())

	m.Lock()
	id, ok := m.accounts[strings.ToLower(accountID)]
	m.Unlock()
	if ok {
		return m.getMailbox(ctx, id, mode, false)
	}
	if mode == OnlyIfCached {
		metrics.MailboxGet("miss")
		return nil, nil
	}

	acc, err := m.lookupAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	id, err = m.opts.Store.MailboxID(ctx, accountID)
	if errors.Is(err, store.ErrAbsent) {
		if mode == DoNotAutoCreate {
			return nil, nil
		}
		return m.createMailbox(ctx, acc)
	} else if err != nil {
		return nil, fmt.Errorf("looking up mailbox id: %w", err)
	}
	m.Lock()
	m.cacheAccountLocked(accountID, id)
	m.Unlock()
	return m.getMailbox(ctx, id, mode, false)
}

// ResolveByID returns the mailbox with the ID, or ErrNoSuchMailbox if it does
// not exist. Mailboxes are never created. With skipHomeCheck, no
// *WrongHostError is returned for mailboxes of accounts homed elsewhere, for
// deleting a mailbox that has moved.
func (m *Manager) ResolveByID(ctx context.Context, mailboxID int64, mode FetchMode, skipHomeCheck bool) (*mailbox.Mailbox, error) {
	if mailboxID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchMailbox, mailboxID)
	}
	defer metrics.MailboxGetObserve(time.Now())
	return m.getMailbox(ctx, mailboxID, mode, skipHomeCheck)
}

// lookupAccount fetches the account from provisioning and checks it is homed
// on this server.
func (m *Manager) lookupAccount(ctx context.Context, accountID string) (Account, error) {
	acc, err := m.opts.Provisioning.Account(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if !strings.EqualFold(acc.MailHost, m.opts.Provisioning.LocalHost()) {
		return Account{}, &WrongHostError{accountID, acc.MailHost}
	}
	return acc, nil
}

// retrieveFromCacheLocked returns the live mailbox in the slot. For a token not
// accessible to the owner in ctx, or a mailbox being evicted, a
// *MaintenanceError is returned. For an
// accessible token, the mailbox attached to the token is returned, which is
// nil if it has not been loaded yet. Must be called with lock held.
func (m *Manager) retrieveFromCacheLocked(ctx context.Context, mailboxID int64) (*mailbox.Mailbox, error) {
	s, ok := m.cache[mailboxID]
	if !ok {
		return nil, nil
	}
	switch s.kind {
	case slotMailbox:
		m.touchLocked(mailboxID)
		return s.mb, nil
	case slotMaintenance:
		if !s.usable(ctx) {
			lmt := m.lockouts[strings.ToLower(s.maint.AccountID)]
			return nil, &MaintenanceError{mailboxID, lmt != nil}
		}
		return s.maint.Mailbox(), nil
	}
	return nil, nil
}

// getMailbox implements the lookup by mailbox ID. The cache is checked under
// the lock. On a miss, the mailbox row is read and the mailbox instantiated
// without lock held. The slot is checked again before publishing the new
// mailbox. Finally, the mailbox is opened, also without lock held.
func (m *Manager) getMailbox(ctx context.Context, mailboxID int64, mode FetchMode, skipHomeCheck bool) (*mailbox.Mailbox, error) {
	m.Lock()
	mb, err := m.retrieveFromCacheLocked(ctx, mailboxID)
	m.Unlock()
	if err != nil {
		metrics.MailboxGet("maintenance")
		return nil, err
	}
	if mb != nil {
		metrics.MailboxGet("hit")
		return m.openMailbox(ctx, mb, mode)
	}
	metrics.MailboxGet("miss")
	if mode == OnlyIfCached {
		return nil, nil
	}

	row, err := m.opts.Store.Mailbox(ctx, mailboxID)
	if errors.Is(err, store.ErrAbsent) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchMailbox, mailboxID)
	} else if err != nil {
		return nil, fmt.Errorf("get mailbox %d: %w", mailboxID, err)
	}
	if !skipHomeCheck {
		// Sessions for a mailbox that has moved to another server get an error,
		// causing clients to reconnect to the new server.
		if _, err := m.lookupAccount(ctx, row.AccountID); err != nil {
			return nil, err
		}
	}
	nmb := mailbox.New(row.AccountID, row.ID, m.opts.Mailbox)

	m.Lock()
	if _, ok := m.cache[mailboxID]; !ok {
		// Mailbox dropped from the cache while locked out, e.g. evicted by
		// maintenance nested in the lockout. The lockout applies again.
		if lmt := m.lockouts[strings.ToLower(row.AccountID)]; lmt != nil && lmt.MailboxID == mailboxID {
			m.cacheMaintenanceLocked(mailboxID, lmt)
			m.log.Debug("lockout applied to reloaded mailbox", slog.Int64("mailboxid", mailboxID))
		}
	}
	mb, err = m.retrieveFromCacheLocked(ctx, mailboxID)
	if err == nil {
		if mb == nil {
			if s, ok := m.cache[mailboxID]; ok {
				s.maint.SetMailbox(nmb)
			} else {
				m.cacheMailboxLocked(nmb)
			}
			mb = nmb
		}
		m.cacheAccountLocked(row.AccountID, mailboxID)
	}
	m.Unlock()
	if err != nil {
		metrics.MailboxGet("maintenance")
		return nil, err
	}
	if mb != nil && mb != nmb {
		m.log.Debug("mailbox loaded concurrently, using winner", slog.Int64("mailboxid", mailboxID))
	}
	return m.openMailbox(ctx, mb, mode)
}

// openMailbox opens the mailbox if needed, without holding the lock. A mailbox
// that fails to open is removed from its slot.
func (m *Manager) openMailbox(ctx context.Context, mb *mailbox.Mailbox, mode FetchMode) (*mailbox.Mailbox, error) {
	if mb.IsOpen() {
		return mb, nil
	}
	if mode == OnlyIfCached {
		// Being opened by another goroutine, not waiting for it.
		return nil, nil
	}
	first, err := mb.Open(ctx)
	if err != nil {
		m.Lock()
		if s, ok := m.cache[mb.ID]; ok && s.kind == slotMailbox && s.mb == mb {
			m.removeLocked(mb.ID)
		}
		m.Unlock()
		return nil, fmt.Errorf("opening mailbox %d: %w", mb.ID, err)
	}
	if first {
		m.notifyLoaded(mb)
	}
	return mb, nil
}

// createMailbox inserts the mailbox row for an account and opens the new
// mailbox. Of concurrent creates for the same account, one inserts the row,
// the others use the inserted mailbox.
func (m *Manager) createMailbox(ctx context.Context, acc Account) (*mailbox.Mailbox, error) {
	var id int64
	created := false
	row, err := m.opts.Store.CreateMailbox(ctx, acc.ID)
	if err == nil {
		id = row.ID
		created = true
	} else if errors.Is(err, store.ErrExists) {
		id, err = m.opts.Store.MailboxID(ctx, acc.ID)
		if err != nil {
			return nil, fmt.Errorf("looking up mailbox id after concurrent create: %w", err)
		}
	} else {
		return nil, fmt.Errorf("creating mailbox: %w", err)
	}

	m.Lock()
	m.cacheAccountLocked(acc.ID, id)
	m.Unlock()

	mb, err := m.getMailbox(ctx, id, AutoCreate, true)
	if err != nil {
		return nil, err
	}
	if created {
		m.log.Info("mailbox created", slog.String("account", acc.ID), slog.Int64("mailboxid", id))
		m.notifyCreated(mb)
	}
	return mb, nil
}

// CreateMailbox returns the mailbox for the account, creating it if needed.
func (m *Manager) CreateMailbox(ctx context.Context, accountID string) (*mailbox.Mailbox, error) {
	return m.Resolve(ctx, accountID, AutoCreate)
}
