// Command mboxcache serves and administers the mailbox registry of a mail
// store server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mboxcache/config"
	"github.com/mjl-/mboxcache/mboxcache-"
	"github.com/mjl-/mboxcache/mboxmgr"
	"github.com/mjl-/mboxcache/mboxvar"
	"github.com/mjl-/mboxcache/mlog"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"setadminpassword", cmdSetadminpassword},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"mailbox list", cmdMailboxList},
	{"mailbox create", cmdMailboxCreate},
	{"mailbox delete", cmdMailboxDelete},
	{"mailbox preload", cmdMailboxPreload},
	{"mailbox sizes", cmdMailboxSizes},
	{"mailbox purgepending", cmdMailboxPurgePending},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather usage, the command runs until it calls Parse, after it registered
	// its flags and set its params and help.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mboxcache "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "mboxcache " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) Usage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if len(args) <= len(c.words) && slices.Equal(args, c.words[:len(args)]) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		fmt.Printf("mboxcache %s\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd) {
	lines := []string{"mboxcache [-config config/mboxcache.conf] [-loglevel level] ..."}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mboxcache"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string

// mustLoadConfig loads the config for commands other than serve, keeping the
// log level from the command line.
func mustLoadConfig() {
	mboxcache.MustLoadConfig()
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mboxcache.Conf.Log[""] = level
		mlog.SetConfig(mboxcache.Conf.Log)
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
}

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&mboxcache.ConfigStaticPath, "config", envString("MBOXCACHECONF", filepath.FromSlash("config/mboxcache.conf")), "configuration file, other config files are looked up in the same directory, defaults to $MBOXCACHECONF with a fallback to config/mboxcache.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	var cpuprofile, memprofile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	defer profile(cpuprofile, memprofile)()

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mboxcache.Conf.Log[""] = level
		mlog.SetConfig(mboxcache.Conf.Log)
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("mboxcache "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

// profile starts a cpu profile if cpupath is set, and returns a function that
// stops it and writes a memory profile if mempath is set.
func profile(cpupath, mempath string) func() {
	var cpuf *os.File
	if cpupath != "" {
		var err error
		cpuf, err = os.Create(cpupath)
		xcheckf(err, "creating CPU profile")
		err = pprof.StartCPUProfile(cpuf)
		xcheckf(err, "start CPU profile")
	}
	return func() {
		if cpuf != nil {
			pprof.StopCPUProfile()
			err := cpuf.Close()
			xcheckf(err, "closing cpu profile")
		}
		if mempath != "" {
			f, err := os.Create(mempath)
			xcheckf(err, "creating memory profile")
			defer f.Close()
			runtime.GC()
			err = pprof.WriteHeapProfile(f)
			xcheckf(err, "writing memory profile")
		}
	}
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := mboxcache.ParseConfig(context.Background(), c.log, mboxcache.ConfigStaticPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">mboxcache.conf"
	c.help = `Prints an annotated empty configuration for use as mboxcache.conf.

The configuration file cannot be reloaded while mboxcache is running, it has to
be restarted for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdSetadminpassword(c *cmd) {
	c.help = `Set a new admin password, for the admin API.

The password is read from stdin. Its bcrypt hash is stored in the file
configured as AdminHTTP PasswordFile, relative to the configuration directory.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	if mboxcache.Conf.Static.AdminHTTP.PasswordFile == "" {
		log.Fatal("no admin password file configured")
	}
	path := mboxcache.ConfigDirPath(mboxcache.Conf.Static.AdminHTTP.PasswordFile)

	pw := xreadpassword()
	pw, err := precis.OpaqueString.String(pw)
	xcheckf(err, `checking password with "precis" requirements`)
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	xcheckf(err, "generating hash for password")
	err = os.WriteFile(path, hash, 0660)
	xcheckf(err, "writing hash to admin password file")
}

func xreadpassword() string {
	fmt.Printf(`
Type new password. Password WILL echo.

Pick a random, unguessable password of at least 12 characters. The admin API
can lock out and delete mailboxes.

`)
	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	// A missing trailing newline is not an error, Err returns nil for EOF.
	scanner.Scan()
	xcheckf(scanner.Err(), "reading stdin")
	pw := scanner.Text()
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	return pw
}

// xopenManager opens the configured database and shared state and returns a
// registry on them. The returned function closes the databases.
func xopenManager(ctx context.Context) (*mboxmgr.Manager, func()) {
	st, err := mboxcache.OpenStore(ctx)
	xcheckf(err, "open store")
	shared, err := mboxcache.OpenSharedState(ctx)
	xcheckf(err, "open shared state")
	mgr, err := mboxcache.NewManager(ctx, st, shared, nil)
	xcheckf(err, "init mailbox registry")
	return mgr, func() {
		err := st.Close()
		xcheckf(err, "closing store")
		if shared != nil {
			err := shared.Close()
			xcheckf(err, "closing shared state")
		}
	}
}

func cmdMailboxList(c *cmd) {
	c.help = `List the mailboxes in the database.

For each mailbox, its ID, account, size in bytes, number of items, and the time
it was last purged are printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	st, err := mboxcache.OpenStore(context.Background())
	xcheckf(err, "open store")
	defer st.Close()
	rows, err := st.ListMailboxes(context.Background())
	xcheckf(err, "listing mailboxes")
	fmt.Printf("%8s %-30s %12s %8s %s\n", "ID", "Account", "Size", "Items", "Last purged")
	for _, mb := range rows {
		purged := "never"
		if !mb.LastPurged.IsZero() {
			purged = mb.LastPurged.Format(time.RFC3339)
		}
		fmt.Printf("%8d %-30s %12d %8d %s\n", mb.ID, mb.AccountID, mb.Size, mb.ItemCount, purged)
	}
}

func cmdMailboxCreate(c *cmd) {
	c.params = "account"
	c.help = `Create the mailbox for an account, with the initial folders.

The account must be configured, and be served by this server. If the mailbox
already exists, it is opened and its folders printed.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	ctx := context.Background()
	mgr, xclose := xopenManager(ctx)
	defer xclose()
	mb, err := mgr.CreateMailbox(ctx, args[0])
	xcheckf(err, "creating mailbox")
	fmt.Printf("mailbox %d for account %s\n", mb.ID, mb.AccountID)
	for _, it := range mb.Items() {
		fmt.Printf("\t%d %s\n", it.ID, it.Name(ctx))
	}
}

func cmdMailboxDelete(c *cmd) {
	c.params = "account"
	c.help = `Delete the mailbox of an account, including its folders.

The mailbox is put in maintenance while it is removed. Mailboxes of accounts
that have moved to another server can be deleted.

Only use this command when mboxcache is not serving the mailbox, otherwise use
the admin API.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	ctx := context.Background()
	mgr, xclose := xopenManager(ctx)
	defer xclose()
	err := mgr.DeleteMailbox(ctx, args[0])
	xcheckf(err, "deleting mailbox")
	fmt.Println("mailbox deleted")
}

func cmdMailboxPreload(c *cmd) {
	c.help = `Load and open all mailboxes, to check they can be opened.

Mailboxes of accounts served by another server are skipped.
`
	var concurrency int
	c.flag.IntVar(&concurrency, "concurrency", 4, "number of mailboxes to load at the same time")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	ctx := context.Background()
	mgr, xclose := xopenManager(ctx)
	defer xclose()
	ids, err := mgr.MailboxIDs(ctx)
	xcheckf(err, "listing mailboxes")
	t0 := time.Now()
	err = mgr.Preload(ctx, ids, concurrency)
	xcheckf(err, "preloading mailboxes")
	c.log.Info("mailboxes preloaded", slog.Int("mailboxes", len(ids)), slog.Int("cached", mgr.CacheSize()), slog.Duration("duration", time.Since(t0)))
}

func cmdMailboxSizes(c *cmd) {
	c.params = "[mailboxid ...]"
	c.help = `Print the size in bytes of mailboxes.

Without parameters, all mailboxes are printed.
`
	args := c.Parse()
	mustLoadConfig()

	var ids []int64
	for _, s := range args {
		id, err := strconv.ParseInt(s, 10, 64)
		xcheckf(err, "parsing mailbox id")
		ids = append(ids, id)
	}

	st, err := mboxcache.OpenStore(context.Background())
	xcheckf(err, "open store")
	defer st.Close()
	sizes, err := st.MailboxSizes(context.Background(), ids)
	xcheckf(err, "getting mailbox sizes")
	l := make([]int64, 0, len(sizes))
	for id := range sizes {
		l = append(l, id)
	}
	slices.Sort(l)
	for _, id := range l {
		fmt.Printf("%d %d\n", id, sizes[id])
	}
}

func cmdMailboxPurgePending(c *cmd) {
	c.help = `List mailboxes that have not been purged recently.

Mailboxes are purged when they are evicted from the cache.
`
	var age time.Duration
	c.flag.DurationVar(&age, "age", 24*time.Hour, "list mailboxes not purged since this long ago")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	st, err := mboxcache.OpenStore(context.Background())
	xcheckf(err, "open store")
	defer st.Close()
	ids, err := st.ListPurgePending(context.Background(), time.Now().Add(-age))
	xcheckf(err, "listing mailboxes pending purge")
	for _, id := range ids {
		fmt.Println(id)
	}
}

func cmdVersion(c *cmd) {
	c.help = "Prints this mboxcache version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(mboxvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
