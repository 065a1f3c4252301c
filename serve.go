package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/mboxcache/mailbox"
	"github.com/mjl-/mboxcache/mboxcache-"
	"github.com/mjl-/mboxcache/mboxmgr"
	"github.com/mjl-/mboxcache/mboxvar"
	"github.com/mjl-/mboxcache/metrics"
	"github.com/mjl-/mboxcache/mlog"
	"github.com/mjl-/mboxcache/webadmin"
)

func cmdServe(c *cmd) {
	c.help = `Start mboxcache, serving the admin API and metrics.

The mailbox registry is initialized from the database. With -preload, all
mailboxes homed on this server are loaded in the background. An HTTP listener
is started for Prometheus metrics at /metrics and, if an admin password file is
configured, the admin API at /admin/api/.
`
	var preload bool
	var concurrency int
	c.flag.BoolVar(&preload, "preload", false, "load all mailboxes at startup")
	c.flag.IntVar(&concurrency, "concurrency", 4, "number of mailboxes to preload at the same time")
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	// Debug logging until config is fully loaded.
	mlog.Logfmt = true
	mboxcache.Conf.Log[""] = mlog.LevelDebug
	mlog.SetConfig(mboxcache.Conf.Log)

	log := c.log
	mboxcache.MustLoadConfig()
	log.Print("starting up", slog.String("version", mboxvar.Version), slog.String("hostname", mboxcache.Conf.Static.Hostname))

	ctx := mboxcache.Context
	st, err := mboxcache.OpenStore(ctx)
	if err != nil {
		log.Fatalx("open store", err)
	}
	shared, err := mboxcache.OpenSharedState(ctx)
	if err != nil {
		log.Fatalx("open shared state", err)
	}
	mgr, err := mboxcache.NewManager(ctx, st, shared, nil)
	if err != nil {
		log.Fatalx("init mailbox registry", err)
	}
	mgr.AddListener(logListener{log})

	if preload {
		go preloadMailboxes(log, mgr, concurrency)
	}

	var srv *http.Server
	if addr := mboxcache.Conf.Static.AdminHTTP.Address; addr != "" {
		srv = serveHTTP(log, addr, mgr)
	}

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for admin requests", slog.Any("signal", sig))
	shutdown(log, srv, mgr)
	err = st.Close()
	log.Check(err, "closing store")
	if shared != nil {
		err := shared.Close()
		log.Check(err, "closing shared state")
	}
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	} else {
		os.Exit(1)
	}
}

// serveHTTP starts the listener for metrics and the admin API.
func serveHTTP(log mlog.Log, addr string, mgr *mboxmgr.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if pw := mboxcache.Conf.Static.AdminHTTP.PasswordFile; pw != "" {
		mux.Handle(webadmin.Path, webadmin.Handler(mgr, mboxcache.ConfigDirPath(pw)))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalx("listen for admin http", err, slog.String("addr", addr))
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return mboxcache.Shutdown },
	}
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				log.Error("unhandled panic in admin http server", slog.Any("err", x))
				metrics.PanicInc(metrics.Serve)
			}
		}()

		log.Print("listening for admin http", slog.String("addr", ln.Addr().String()))
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalx("serve admin http", err)
		}
	}()
	return srv
}

func preloadMailboxes(log mlog.Log, mgr *mboxmgr.Manager, concurrency int) {
	ctx := context.WithValue(mboxcache.Shutdown, mlog.CidKey, mboxcache.Cid())
	log = log.WithContext(ctx)
	ids, err := mgr.MailboxIDs(ctx)
	if err != nil {
		log.Errorx("listing mailboxes for preload", err)
		return
	}
	t0 := time.Now()
	if err := mgr.Preload(ctx, ids, concurrency); err != nil {
		log.Errorx("preloading mailboxes", err)
		return
	}
	log.Info("mailboxes preloaded", slog.Int("mailboxes", len(ids)), slog.Int("cached", mgr.CacheSize()), slog.Duration("duration", time.Since(t0)))
}

// shutdown stops accepting admin requests, waits up to 3 seconds for pending
// requests, then cancels all remaining operations.
func shutdown(log mlog.Log, srv *http.Server, mgr *mboxmgr.Manager) {
	mboxcache.ShutdownCancel()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := srv.Shutdown(ctx)
		log.Check(err, "shutting down admin http server")
	}
	mboxcache.ContextCancel()
	mgr.DumpCache()
}

// logListener logs registry notifications.
type logListener struct {
	log mlog.Log
}

func (l logListener) MailboxAvailable(mb *mailbox.Mailbox) {
	l.log.Debug("mailbox available", slog.String("account", mb.AccountID), slog.Int64("mailboxid", mb.ID))
}

func (l logListener) MailboxLoaded(mb *mailbox.Mailbox) {
	l.log.Debug("mailbox loaded", slog.String("account", mb.AccountID), slog.Int64("mailboxid", mb.ID))
}

func (l logListener) MailboxCreated(mb *mailbox.Mailbox) {
	l.log.Info("mailbox created", slog.String("account", mb.AccountID), slog.Int64("mailboxid", mb.ID))
}

func (l logListener) MailboxDeleted(accountID string) {
	l.log.Info("mailbox deleted", slog.String("account", accountID))
}
