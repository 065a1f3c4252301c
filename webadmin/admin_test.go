package webadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"runtime/debug"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/sherpa"

	"github.com/mjl-/mboxcache/mboxcache-"
	"github.com/mjl-/mboxcache/mboxmgr"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, expect)
	}
}

func tneedErrorCode(t *testing.T, code string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		x := recover()
		if x == nil {
			debug.PrintStack()
			t.Fatalf("expected sherpa user error, saw success")
		}
		if err, ok := x.(*sherpa.Error); !ok {
			debug.PrintStack()
			t.Fatalf("expected sherpa error, saw %#v", x)
		} else if err.Code != code {
			debug.PrintStack()
			t.Fatalf("expected sherpa error code %q, saw other sherpa error %#v", code, err)
		}
	}()

	fn()
}

// newManager loads the test config and returns a registry on a new database.
func newManager(t *testing.T) *mboxmgr.Manager {
	t.Helper()
	mboxcache.ConfigStaticPath = filepath.FromSlash("testdata/mboxcache.conf")
	mboxcache.MustLoadConfig()
	mboxcache.Conf.Static.DataDir = t.TempDir()

	st, err := mboxcache.OpenStore(ctxbg)
	tcheck(t, err, "open store")
	t.Cleanup(func() {
		err := st.Close()
		tcheck(t, err, "close store")
	})
	mgr, err := mboxcache.NewManager(ctxbg, st, nil, nil)
	tcheck(t, err, "new manager")
	return mgr
}

func TestAdmin(t *testing.T) {
	mgr := newManager(t)
	ctx := context.WithValue(ctxbg, managerKey, mgr)
	api := Admin{}

	tcompare(t, api.CacheSize(ctx), 0)
	tcompare(t, api.Mailboxes(ctx), []MailboxInfo{})
	tcompare(t, api.MailboxCount(ctx), 0)

	mb1, err := mgr.CreateMailbox(ctxbg, "a1")
	tcheck(t, err, "create mailbox")
	tcompare(t, api.Mailboxes(ctx), []MailboxInfo{{ID: mb1.ID, AccountID: "a1", Open: true, Folders: 6}})
	tcompare(t, api.MailboxSizes(ctx, nil), []MailboxSize{{mb1.ID, 0}})

	// Lockout creates the mailbox, and hides it.
	api.Lockout(ctx, "a2")
	tcompare(t, api.LockedOut(ctx), []string{"a2"})
	tcompare(t, api.CacheSize(ctx), 2)
	tcompare(t, len(api.Mailboxes(ctx)), 1)
	tneedErrorCode(t, "user:error", func() { api.Lockout(ctx, "a2") })
	tneedErrorCode(t, "user:error", func() { api.Evict(ctx, "a2") })
	api.UndoLockout(ctx, "a2", true)
	tneedErrorCode(t, "user:error", func() { api.UndoLockout(ctx, "a2", true) })
	tcompare(t, api.LockedOut(ctx), []string{})
	tcompare(t, len(api.Mailboxes(ctx)), 2)
	tcompare(t, api.MailboxCount(ctx), 2)

	// Accounts on other servers and unknown accounts.
	tneedErrorCode(t, "user:error", func() { api.Lockout(ctx, "moved") })
	tneedErrorCode(t, "user:error", func() { api.Lockout(ctx, "nobody") })
	tneedErrorCode(t, "user:error", func() { api.Evict(ctx, "nobody") })

	// Evicting purges the mailbox, it is no longer pending a purge.
	id2, ok := mgr.LookupMailboxID("a2")
	tcompare(t, ok, true)
	api.Evict(ctx, "a1")
	tcompare(t, api.CacheSize(ctx), 1)
	tcompare(t, api.PurgePending(ctx, 1), []int64{id2})
	tneedErrorCode(t, "user:error", func() { api.PurgePending(ctx, -1) })

	api.DeleteMailbox(ctx, "a1")
	tcompare(t, api.MailboxCount(ctx), 1)
	tcompare(t, api.MailboxSizes(ctx, []int64{mb1.ID}), []MailboxSize{})
	tneedErrorCode(t, "user:error", func() { api.DeleteMailbox(ctx, "a1") })

	api.LogLevelSet(ctx, "mboxmgr", "trace")
	tcompare(t, api.LogLevels(ctx)["mboxmgr"], "trace")
	api.LogLevelRemove(ctx, "mboxmgr")
	_, ok = api.LogLevels(ctx)["mboxmgr"]
	tcompare(t, ok, false)
	tneedErrorCode(t, "user:error", func() { api.LogLevelSet(ctx, "mboxmgr", "bogus") })
	tneedErrorCode(t, "user:error", func() { api.LogLevelRemove(ctx, "") })

	// Without registry in the context.
	tneedErrorCode(t, "server:error", func() { api.CacheSize(ctxbg) })
}

func TestHandler(t *testing.T) {
	mgr := newManager(t)

	pwfile := filepath.Join(t.TempDir(), "adminpasswd")
	hash, err := bcrypt.GenerateFromPassword([]byte("test1234"), bcrypt.MinCost)
	tcheck(t, err, "bcrypt")
	err = os.WriteFile(pwfile, hash, 0660)
	tcheck(t, err, "write password file")

	h := Handler(mgr, pwfile)

	call := func(password, fn, params string, expCode int) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest("POST", Path+fn, strings.NewReader(`{"params": `+params+`}`))
		req.Header.Set("Content-Type", "application/json")
		if password != "" {
			req.SetBasicAuth("admin", password)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != expCode {
			t.Fatalf("%s: got status %d, expected %d, body %q", fn, rec.Code, expCode, rec.Body.String())
		}
		return rec
	}

	type response struct {
		Result json.RawMessage `json:"result"`
		Error  *sherpa.Error   `json:"error"`
	}
	parse := func(rec *httptest.ResponseRecorder) response {
		t.Helper()
		var r response
		err := json.Unmarshal(rec.Body.Bytes(), &r)
		tcheck(t, err, "parsing response")
		return r
	}

	call("", "CacheSize", "[]", http.StatusUnauthorized)
	call("wrongpassword", "CacheSize", "[]", http.StatusUnauthorized)
	call("short", "CacheSize", "[]", http.StatusUnauthorized)

	// Second call is served from the auth cache.
	for i := 0; i < 2; i++ {
		r := parse(call("test1234", "CacheSize", "[]", http.StatusOK))
		tcompare(t, r.Error, (*sherpa.Error)(nil))
		tcompare(t, string(r.Result), "0")
	}

	r := parse(call("test1234", "Lockout", `["a1"]`, http.StatusOK))
	tcompare(t, r.Error, (*sherpa.Error)(nil))
	r = parse(call("test1234", "LockedOut", "[]", http.StatusOK))
	tcompare(t, string(r.Result), `["a1"]`)

	r = parse(call("test1234", "Lockout", `["a1"]`, http.StatusOK))
	if r.Error == nil || r.Error.Code != "user:error" {
		t.Fatalf("got error %#v, expected user error", r.Error)
	}
	r = parse(call("test1234", "UndoLockout", `["a1", true]`, http.StatusOK))
	tcompare(t, r.Error, (*sherpa.Error)(nil))
	tcompare(t, mgr.IsLockedOut("a1"), false)

	// Without password file, no access.
	h = Handler(mgr, "")
	call("test1234", "CacheSize", "[]", http.StatusUnauthorized)
}
