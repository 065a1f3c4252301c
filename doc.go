/*
Command mboxcache serves the mailbox registry of a mail store server: an
in-process cache of per-account mailboxes with lazy creation, eviction and
exclusive maintenance, with attributes of mailboxes and their folders mirrored
into a shared store for other processes serving the same mailboxes.

# Commands

	mboxcache [-config config/mboxcache.conf] [-loglevel level] ...
	mboxcache serve
	mboxcache setadminpassword
	mboxcache config test
	mboxcache config describe >mboxcache.conf
	mboxcache mailbox list
	mboxcache mailbox create account
	mboxcache mailbox delete account
	mboxcache mailbox preload
	mboxcache mailbox sizes [mailboxid ...]
	mboxcache mailbox purgepending
	mboxcache version
	mboxcache help [command ...]

Use "mboxcache help command" for details about a command.

# Configuration

The configuration file is in sconf format, see "mboxcache config describe" for
an annotated example. Mailbox rows are kept in a bstore or sqlite database in
the data directory. Shared state is kept in process memory, a bbolt database,
or an S3 bucket.
*/
package main
