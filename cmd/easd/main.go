// Command easd serves Exchange ActiveSync for mobile mail clients.
//
// Configuration comes from flags, falling back to the environment:
//
//	LISTEN_ADDR        address to serve on (-addr)
//	STORE_URL          sqlite database file (-db)
//	LOG_DIR            directory for WBXML wire traces
//	DEBUG              enable wire traces when set
//	AS_LOG_SPLIT       one trace file per (device, command)
//	AS_REDACT          hide message content in traces
//	RATE_LIMIT_PER_MIN per-(user, device, command) request budget
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"time"

	"crawshaw.io/iox"
	"golang.org/x/crypto/acme/autocert"
	"spilled.ink/eas/devreg"
	"spilled.ink/eas/easserver"
	"spilled.ink/eas/notify"
	"spilled.ink/eas/syncstate"
	"spilled.ink/easdb"
	"spilled.ink/util/ratelimit"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func main() {
	log.SetFlags(0)

	flagAddr := flag.String("addr", envOr("LISTEN_ADDR", ":8080"), "address to serve ActiveSync on")
	flagHostname := flag.String("hostname", "", "serve TLS for this hostname via ACME")
	flagDB := flag.String("db", envOr("STORE_URL", "easd.db"), "sqlite database file")
	flagDebugAddr := flag.String("debug_addr", "", "address for debug HTTP")

	flag.Parse()

	filer := iox.NewFiler(0)
	tempdir, err := ioutil.TempDir("", "easd-")
	if err != nil {
		log.Fatal(err)
	}
	filer.SetTempdir(tempdir)

	log.Printf("easd (version %s)", version)
	log.Printf("temp dir %s", tempdir)

	pool, err := easdb.Open(*flagDB)
	if err != nil {
		log.Fatal(err)
	}
	store := &easdb.Store{DB: pool}

	devices := devreg.New(store)
	devices.Logf = log.Printf

	janitor := easdb.NewJanitor(pool)
	janitor.Logf = log.Printf
	go janitor.Run()

	srv := &easserver.Server{
		Store:   store,
		States:  syncstate.NewTable(store),
		Devices: devices,
		Bus:     notify.NewBus(),
		Auth: &easdb.Authenticator{
			DB:    pool,
			Logf:  log.Printf,
			Where: "easd",
		},
		Filer: filer,
		Logf:  log.Printf,
	}

	if v := os.Getenv("RATE_LIMIT_PER_MIN"); v != "" {
		perMin, err := strconv.Atoi(v)
		if err != nil || perMin <= 0 {
			log.Fatalf("bad RATE_LIMIT_PER_MIN %q", v)
		}
		srv.Limiter = ratelimit.NewLimiter(perMin)
	}

	if os.Getenv("DEBUG") != "" {
		logDir := envOr("LOG_DIR", tempdir)
		srv.Trace = &easserver.Trace{
			Dir:    logDir,
			Split:  os.Getenv("AS_LOG_SPLIT") != "",
			Redact: os.Getenv("AS_REDACT") != "",
			Logf:   log.Printf,
		}
		log.Printf("wire traces in %s", logDir)
	}

	mux := http.NewServeMux()
	mux.Handle("/Microsoft-Server-ActiveSync", srv)

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	ln, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		log.Fatal(err)
	}
	if *flagHostname != "" {
		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(*flagHostname),
			Cache:      autocert.DirCache("acme-cache"),
		}
		httpServer.TLSConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
		}
		ln = tls.NewListener(ln, httpServer.TLSConfig)
	}

	if *flagDebugAddr != "" {
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", pprof.Index)
		debugMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		debugMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		debugMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		debugMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		debugServer := &http.Server{Handler: debugMux}
		go func() {
			ln, err := net.Listen("tcp", *flagDebugAddr)
			if err != nil {
				log.Printf("http debug server: %v", err)
				return
			}
			log.Printf("debug HTTP starting on %s", ln.Addr())
			if err := debugServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("http debug serving error: %v", err)
			}
		}()
	}

	go func() {
		log.Printf("easd: ActiveSync starting on %s", ln.Addr())
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("easd: serve error: %v", err)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt

	log.Printf("easd: shutdown started")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Release parked Pings before the HTTP server waits on its
	// connections, then close the janitor and the stores.
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("easd: shutdown: %v", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("easd: http shutdown: %v", err)
	}
	if srv.Trace != nil {
		srv.Trace.Close()
	}
	janitor.Shutdown(ctx)
	if err := pool.Close(); err != nil {
		log.Printf("easd: db shutdown: %v", err)
	}
	if err := filer.Shutdown(ctx); err != nil {
		log.Printf("easd: filer shutdown: %v", err)
	}
	log.Printf("easd: shut down")
}
