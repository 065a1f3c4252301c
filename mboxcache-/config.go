package mboxcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mboxcache/config"
	"github.com/mjl-/mboxcache/mlog"
)

var pkglog = mlog.New("mboxcache", nil)

// Config paths are set early in program startup.
var (
	ConfigStaticPath string
	Conf             = Config{Log: map[string]slog.Level{"": slog.LevelError}}
)

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	logMutex sync.Mutex // For accessing the log levels.
	Log      map[string]slog.Level
}

// LogLevelSet sets a new log level for pkg. An empty pkg sets the default log
// value that is used if no explicit log level is configured for a package.
// This change is ephemeral, no config file is changed.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	l[pkg] = level
	c.Log = l
	log.Print("log level changed", slog.String("pkg", pkg), slog.Any("level", mlog.LevelStrings[level]))
	mlog.SetConfig(c.Log)
}

// LogLevelRemove removes a configured log level for a package.
func (c *Config) LogLevelRemove(log mlog.Log, pkg string) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	delete(l, pkg)
	c.Log = l
	log.Print("log level cleared", slog.String("pkg", pkg))
	mlog.SetConfig(c.Log)
}

// copyLogLevels returns a copy of c.Log, for modifications.
// must be called with log lock held.
func (c *Config) copyLogLevels() map[string]slog.Level {
	m := map[string]slog.Level{}
	for pkg, level := range c.Log {
		m[pkg] = level
	}
	return m
}

// LogLevels returns a copy of the current log levels.
func (c *Config) LogLevels() map[string]slog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	return c.copyLogLevels()
}

// Account returns the account with the given ID, and the ID as used in the
// config file. Account IDs are case-insensitive.
func (c *Config) Account(id string) (string, config.Account, bool) {
	if acc, ok := c.Static.Accounts[id]; ok {
		return id, acc, true
	}
	for k, acc := range c.Static.Accounts {
		if strings.EqualFold(k, id) {
			return k, acc, true
		}
	}
	return "", config.Account{}, false
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	c, errs := ParseConfig(ctx, log, ConfigStaticPath)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	// Cannot just assign *c to Conf, it would copy the mutex.
	Conf = Config{Static: c.Static, Log: c.Log}
}

// ParseConfig parses the config at path p.
func ParseConfig(ctx context.Context, log mlog.Log, p string) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("MBOXCACHECONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use mboxcache -config ... or set MBOXCACHECONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the parsed config file and fills in the fields
// derived from it.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...)))
	}

	c := &conf.Static

	// For now, we only allow a single level for all packages.
	conf.Log = map[string]slog.Level{}
	if c.LogLevel == "" {
		conf.Log[""] = mlog.LevelInfo
	} else if level, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log[""] = level
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if level, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = level
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}
	c.Log = conf.Log

	if c.Hostname == "" {
		addErrorf("missing Hostname")
	}

	switch c.Storage.Backend {
	case "", "bstore", "sqlite":
	default:
		addErrorf("unknown storage backend %q, must be bstore or sqlite", c.Storage.Backend)
	}

	if c.MailboxCacheSize == 0 {
		c.MailboxCacheSize = config.DefaultMailboxCacheSize
	} else if c.MailboxCacheSize < -1 {
		addErrorf("invalid MailboxCacheSize %d, must be -1 for no limit, or positive", c.MailboxCacheSize)
	}

	if ss := c.SharedState; ss != nil {
		c.SharedStateTimeoutValue = 2 * time.Second
		if ss.Timeout != "" {
			d, err := time.ParseDuration(ss.Timeout)
			if err != nil || d <= 0 {
				addErrorf("invalid shared state timeout %q", ss.Timeout)
			} else {
				c.SharedStateTimeoutValue = d
			}
		}
		switch ss.Backend {
		case "memory", "bolt":
		case "s3":
			if ss.S3 == nil {
				addErrorf("missing S3 for shared state backend s3")
			} else {
				if ss.S3.Bucket == "" {
					addErrorf("missing bucket for shared state in S3")
				}
				if ss.S3.AccessKeyID != "" && ss.S3.SecretAccessKeyFile == "" {
					addErrorf("missing SecretAccessKeyFile for S3 access key %q", ss.S3.AccessKeyID)
				}
			}
		default:
			addErrorf("unknown shared state backend %q, must be memory, bolt or s3", ss.Backend)
		}
	}

	if c.AdminHTTP.Address == "" && c.AdminHTTP.PasswordFile != "" {
		addErrorf("admin PasswordFile configured without Address")
	}

	seen := map[string]string{}
	for id, acc := range c.Accounts {
		if acc.MailHost == "" {
			addErrorf("account %q: missing MailHost", id)
		}
		lid := strings.ToLower(id)
		if other, ok := seen[lid]; ok {
			addErrorf("account %q: duplicate of account %q, account IDs are case-insensitive", id, other)
		}
		seen[lid] = id
	}

	log.Debug("config prepared", slog.String("config", filepath.Base(configFile)), slog.Int("accounts", len(c.Accounts)))
	return errs
}
