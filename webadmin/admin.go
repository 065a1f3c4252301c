// Package webadmin is a sherpa JSON API for administering the mailbox registry
// of a running mboxcache: inspecting cached mailboxes, locking out accounts,
// evicting and deleting mailboxes, and changing log levels.
package webadmin

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/mboxcache/mboxcache-"
	"github.com/mjl-/mboxcache/mboxmgr"
	"github.com/mjl-/mboxcache/mboxvar"
	"github.com/mjl-/mboxcache/metrics"
	"github.com/mjl-/mboxcache/mlog"
	"github.com/mjl-/mboxcache/ratelimit"
)

var pkglog = mlog.New("webadmin", nil)

//go:embed adminapi.json
var adminapiJSON []byte

var adminDoc = mustParseAPI("admin", adminapiJSON)

var adminSherpaHandler http.Handler

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	collector, err := sherpaprom.NewCollector("mboxcacheadmin", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}

	adminSherpaHandler, err = sherpa.NewHandler("/admin/api/", mboxvar.Version, Admin{}, &adminDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		pkglog.Fatalx("sherpa handler", err)
	}
}

// Path is where Handler is mounted.
const Path = "/admin/api/"

type ctxKey string

var managerKey ctxKey = "manager"

// Admin exports web API functions for the admin web interface. All its methods
// are exported under api/. Function calls require valid HTTP Authentication
// credentials of a user.
type Admin struct{}

// Authentication attempts per remote address. Successful authentication clears
// the count.
var limiterFailedAuth = &ratelimit.Limiter{
	WindowLimits: []ratelimit.WindowLimit{
		{Window: time.Minute, Limit: 10},
		{Window: time.Hour, Limit: 50},
	},
}

// Bcrypt hash of the last accepted Authorization header, so we don't bcrypt for
// each incoming request with HTTP basic auth.
var authCache struct {
	sync.Mutex
	lastSuccessHash, lastSuccessAuth string
}

// Handler returns an http.Handler for the admin API at Path, operating on mgr.
// Requests must authenticate with HTTP basic authentication, with any username
// and a password matching the bcrypt hash in passwordFile.
func Handler(mgr *mboxmgr.Manager, passwordFile string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), mlog.CidKey, mboxcache.Cid())
		log := pkglog.WithContext(ctx)

		defer func() {
			x := recover()
			if x == nil {
				return
			}
			log.Error("unhandled panic in admin api", slog.Any("err", x), slog.String("path", r.URL.Path))
			debug.PrintStack()
			metrics.PanicInc(metrics.Webadmin)
			http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		}()

		if !checkAdminAuth(ctx, passwordFile, w, r) {
			// Response already sent.
			return
		}
		ctx = context.WithValue(ctx, managerKey, mgr)
		adminSherpaHandler.ServeHTTP(w, r.WithContext(ctx))
	})
}

// checkAdminAuth checks the HTTP basic authentication against the bcrypt hash
// in passwordfile, sending a 401 response if authentication failed.
func checkAdminAuth(ctx context.Context, passwordfile string, w http.ResponseWriter, r *http.Request) bool {
	log := pkglog.WithContext(ctx)

	respondAuthFail := func() bool {
		w.Header().Set("WWW-Authenticate", `Basic realm="mboxcache admin - login with any username and admin password"`)
		http.Error(w, "http 401 - unauthorized - mboxcache admin - login with any username and admin password", http.StatusUnauthorized)
		return false
	}

	authResult := "error"
	start := time.Now()
	remote, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remote = r.RemoteAddr
	}
	defer func() {
		metrics.AuthenticationInc("httpbasic", authResult)
		if authResult == "ok" {
			limiterFailedAuth.Reset(remote, start)
		}
	}()

	if !limiterFailedAuth.Add(remote, start, 1) {
		metrics.AuthenticationRatelimitedInc()
		http.Error(w, "429 - too many auth attempts", http.StatusTooManyRequests)
		return false
	}

	authHdr := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHdr, "Basic ") || passwordfile == "" {
		return respondAuthFail()
	}
	buf, err := os.ReadFile(passwordfile)
	if err != nil {
		log.Errorx("reading admin password file", err, slog.String("path", passwordfile))
		return respondAuthFail()
	}
	passwordhash := strings.TrimSpace(string(buf))
	authCache.Lock()
	defer authCache.Unlock()
	if passwordhash != "" && passwordhash == authCache.lastSuccessHash && authCache.lastSuccessAuth == authHdr {
		authResult = "ok"
		return true
	}
	auth, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHdr, "Basic "))
	if err != nil {
		return respondAuthFail()
	}
	t := strings.SplitN(string(auth), ":", 2)
	if len(t) != 2 || len(t[1]) < 8 {
		log.Info("failed authentication attempt", slog.String("remote", remote))
		return respondAuthFail()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordhash), []byte(t[1])); err != nil {
		authResult = "badcreds"
		log.Info("failed authentication attempt", slog.String("remote", remote))
		return respondAuthFail()
	}
	authCache.lastSuccessHash = passwordhash
	authCache.lastSuccessAuth = authHdr
	authResult = "ok"
	return true
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

// xcheckmgrf checks an error from the registry. Errors caused by the request,
// like unknown accounts or mailboxes in maintenance, are user errors.
func xcheckmgrf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	for _, xerr := range []error{mboxmgr.ErrNoSuchMailbox, mboxmgr.ErrNoSuchAccount, mboxmgr.ErrWrongHost, mboxmgr.ErrInMaintenance, mboxmgr.ErrAlreadyInMaintenance, mboxmgr.ErrNotLockedOut} {
		if errors.Is(err, xerr) {
			xcheckuserf(ctx, err, format, args...)
		}
	}
	xcheckf(ctx, err, format, args...)
}

func xmanager(ctx context.Context) *mboxmgr.Manager {
	mgr, ok := ctx.Value(managerKey).(*mboxmgr.Manager)
	if !ok || mgr == nil {
		xcheckf(ctx, errors.New("no mailbox registry"), "admin api")
	}
	return mgr
}

// MailboxInfo describes a mailbox in the cache.
type MailboxInfo struct {
	ID        int64
	AccountID string
	Open      bool  // Whether the mailbox has been opened, loading its folders.
	Folders   int   // Number of folders, 0 if not open.
	Size      int64 // Size in bytes of the mailbox.
}

// MailboxSize is the size of a mailbox in durable storage.
type MailboxSize struct {
	ID   int64
	Size int64
}

// Mailboxes returns the cached mailboxes that are not in maintenance.
func (Admin) Mailboxes(ctx context.Context) []MailboxInfo {
	l := []MailboxInfo{}
	for _, mb := range xmanager(ctx).LoadedMailboxes(ctx) {
		mi := MailboxInfo{ID: mb.ID, AccountID: mb.AccountID, Open: mb.IsOpen()}
		if mi.Open {
			mi.Folders = len(mb.Items())
			mi.Size = mb.Size(ctx)
		}
		l = append(l, mi)
	}
	return l
}

// CacheSize returns the number of cache slots in use, by mailboxes or
// maintenance tokens.
func (Admin) CacheSize(ctx context.Context) int {
	return xmanager(ctx).CacheSize()
}

// MailboxCount returns the number of mailboxes in durable storage.
func (Admin) MailboxCount(ctx context.Context) int {
	n, err := xmanager(ctx).MailboxCount(ctx)
	xcheckf(ctx, err, "counting mailboxes")
	return n
}

// MailboxSizes returns the sizes of the mailboxes with ids, or of all
// mailboxes if ids is null.
func (Admin) MailboxSizes(ctx context.Context, ids []int64) []MailboxSize {
	sizes, err := xmanager(ctx).MailboxSizes(ctx, ids)
	xcheckf(ctx, err, "getting mailbox sizes")
	l := []MailboxSize{}
	for id, size := range sizes {
		l = append(l, MailboxSize{id, size})
	}
	sort.Slice(l, func(i, j int) bool { return l[i].ID < l[j].ID })
	return l
}

// PurgePending returns the IDs of mailboxes that have not been purged in the
// last hours.
func (Admin) PurgePending(ctx context.Context, hours int) []int64 {
	if hours < 0 {
		xcheckuserf(ctx, errors.New("must not be negative"), "checking hours")
	}
	ids, err := xmanager(ctx).PurgePendingMailboxes(ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
	xcheckf(ctx, err, "listing mailboxes pending purge")
	if ids == nil {
		ids = []int64{}
	}
	return ids
}

// Lockout puts the mailbox of the account in maintenance for all users, until
// UndoLockout is called. The mailbox is created if it does not yet exist.
func (Admin) Lockout(ctx context.Context, accountID string) {
	err := xmanager(ctx).Lockout(ctx, accountID)
	xcheckmgrf(ctx, err, "locking out account")
	pkglog.WithContext(ctx).Info("account locked out", slog.String("account", accountID))
}

// UndoLockout removes the lockout of the account. If endMaintenance is set,
// the maintenance is also ended, making the mailbox available again.
func (Admin) UndoLockout(ctx context.Context, accountID string, endMaintenance bool) {
	err := xmanager(ctx).UndoLockout(ctx, accountID, endMaintenance)
	xcheckmgrf(ctx, err, "undoing lockout")
	pkglog.WithContext(ctx).Info("account lockout undone", slog.String("account", accountID), slog.Bool("endmaintenance", endMaintenance))
}

// LockedOut returns the account IDs that are locked out.
func (Admin) LockedOut(ctx context.Context) []string {
	l := xmanager(ctx).LockedOut()
	if l == nil {
		l = []string{}
	}
	return l
}

// Evict drops the mailbox of the account from the cache, releasing its
// resources. It is loaded again on next use.
func (Admin) Evict(ctx context.Context, accountID string) {
	err := xmanager(ctx).Evict(ctx, accountID)
	xcheckmgrf(ctx, err, "evicting mailbox")
}

// DeleteMailbox removes the mailbox of the account, including its folders.
func (Admin) DeleteMailbox(ctx context.Context, accountID string) {
	err := xmanager(ctx).DeleteMailbox(ctx, accountID)
	xcheckmgrf(ctx, err, "deleting mailbox")
}

// LogLevels returns the current log levels.
func (Admin) LogLevels(ctx context.Context) map[string]string {
	m := map[string]string{}
	for pkg, level := range mboxcache.Conf.LogLevels() {
		m[pkg] = mlog.LevelStrings[level]
	}
	return m
}

// LogLevelSet sets a log level for a package. An empty package sets the
// default level. The change is not written to the config file.
func (Admin) LogLevelSet(ctx context.Context, pkg string, levelStr string) {
	level, ok := mlog.Levels[levelStr]
	if !ok {
		xcheckuserf(ctx, errors.New("unknown"), "lookup level")
	}
	mboxcache.Conf.LogLevelSet(pkglog.WithContext(ctx), pkg, level)
}

// LogLevelRemove removes a log level for a package, which cannot be the empty
// string.
func (Admin) LogLevelRemove(ctx context.Context, pkg string) {
	if pkg == "" {
		xcheckuserf(ctx, errors.New("empty package"), "removing log level")
	}
	mboxcache.Conf.LogLevelRemove(pkglog.WithContext(ctx), pkg)
}
