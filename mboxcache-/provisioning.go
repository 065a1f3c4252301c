package mboxcache

import (
	"context"
	"fmt"

	"github.com/mjl-/mboxcache/mboxmgr"
)

// Provisioning provides the accounts of the config file to the mailbox
// registry.
type Provisioning struct{}

var _ mboxmgr.Provisioning = Provisioning{}

func (Provisioning) Account(ctx context.Context, accountID string) (mboxmgr.Account, error) {
	id, acc, ok := Conf.Account(accountID)
	if !ok {
		return mboxmgr.Account{}, fmt.Errorf("%w: %q", mboxmgr.ErrNoSuchAccount, accountID)
	}
	return mboxmgr.Account{ID: id, Name: acc.Name, MailHost: acc.MailHost}, nil
}

func (Provisioning) LocalHost() string {
	return Conf.Static.Hostname
}
