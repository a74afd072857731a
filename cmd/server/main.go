package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"syncmesh.ai/internal/engine"
	"syncmesh.ai/internal/fanout"
	"syncmesh.ai/internal/perm"
	"syncmesh.ai/internal/session"
	"syncmesh.ai/internal/store"
	"syncmesh.ai/internal/tuning"
	"syncmesh.ai/internal/transport/ws"
	"syncmesh.ai/internal/world"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(strings.TrimSpace(*tuningPath))
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", *tuningPath)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	s, err := store.Open(filepath.Join(*dataDir, "syncmesh.sqlite"))
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	bus := fanout.NewMemoryBus()
	auth := perm.NewAuthorizer(s)
	worldSvc := world.NewService(s, auth)
	sessions := session.NewManager(s, tune, logger)
	eng := engine.New(s, bus, tune, logger)

	groups, err := s.ListGroups(ctx)
	if err != nil {
		logger.Fatalf("list groups: %v", err)
	}
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	sched := engine.NewScheduler(eng, logger)
	sched.Start(ctx, names)
	logger.Printf("capture scheduler running for %d group(s)", len(names))

	gateway := ws.NewServer(worldSvc, sessions, eng, bus, fanout.NewTracker(s), tune, logger)
	admin := newAdminAPI(s, sessions, sched, ctx, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/ws", gateway.Handler())
	admin.register(mux)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	sched.Wait()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
