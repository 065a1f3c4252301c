/*
Package config holds the configuration file definitions.

mboxcache uses a single config file, mboxcache.conf. It is read at startup and
never reloaded during the lifetime of a running process. After changes,
mboxcache must be restarted for the changes to take effect.

Below is an example config file for a server named "mail1" with the shared
state kept in a local bbolt file. An annotated empty config file is printed by
"mboxcache config describe".

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# mboxcache.conf

	DataDir: ../data
	LogLevel: info
	PackageLogLevels:
		mboxmgr: debug
	Hostname: mail1
	Storage:
		Backend: bstore
	MailboxCacheSize: 500
	SharedState:
		Backend: bolt
		Timeout: 1s
	AdminHTTP:
		Address: 127.0.0.1:8010
		PasswordFile: adminpasswd
	Accounts:
		a1:
			Name: alice@example.org
			MailHost: mail1
		a2:
			Name: bob@example.org
			MailHost: mail2
*/
package config
