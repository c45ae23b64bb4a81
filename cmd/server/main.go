package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"autosupport.dev/internal/persistence/archive"
	persistlog "autosupport.dev/internal/persistence/log"
	"autosupport.dev/internal/persistence/snapshot"
	"autosupport.dev/internal/protocol"
	"autosupport.dev/internal/sim/autosupport"
	"autosupport.dev/internal/sim/catalogs"
	"autosupport.dev/internal/sim/host/memscene"
	"autosupport.dev/internal/sim/tuning"
	"autosupport.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "world_1", "world id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		layoutPath = flag.String("layout", "", "path to the demo layout (default: <configs>/layout.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (audit + catalogs + save metadata)")

		snapPath   = flag.String("snapshot", "", "path to save to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest save from data dir if present (when -snapshot is empty)")

		tickRate  = flag.Int("tick_rate", 10, "simulation ticks per second")
		saveEvery = flag.Uint64("save_every", 600, "write a save every N ticks (0 disables periodic saves)")
		keepSaves = flag.Int("keep_saves", 5, "saves kept in snapshots/; older ones move to archives/ (0 keeps all)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tuneSrc, err := tuning.NewFileSource(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
	}
	var tune tuning.Source = tuning.Static(tuning.Defaults())
	if tuneSrc != nil {
		tune = tuneSrc.Source()
	}

	lp := strings.TrimSpace(*layoutPath)
	if lp == "" {
		lp = filepath.Join(*configDir, "layout.yaml")
	}
	layout, err := LoadLayout(lp)
	if err != nil {
		logger.Fatalf("load layout: %v", err)
	}

	// Optional read-model index (does not affect the simulation).
	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cats, tune()); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	auditLog := persistlog.NewAuditLogger(worldDir)
	defer auditLog.Close()

	wsSrv := ws.NewServer(ws.Config{
		Logger:  log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds),
		WorldID: *worldID,
		Catalogs: protocol.CatalogDigests{
			Items:   cats.Items.DefsDigest,
			Parts:   cats.Parts.Digest,
			Recipes: cats.Recipes.Digest,
		},
	})

	scene := memscene.New()
	layout.Populate(scene)

	cfg := autosupport.Config{
		Logger:       log.New(os.Stdout, "[autosupport] ", log.LstdFlags|log.Lmicroseconds),
		WorldID:      *worldID,
		Catalog:      cats,
		Tuning:       tune,
		Scene:        scene,
		Spawner:      scene,
		Lightweights: scene,
		Finder:       scene,
		UI:           wsSrv,
		Audit:        multiAuditLogger{a: auditLog},
	}
	if idx != nil {
		cfg.Audit = multiAuditLogger{a: auditLog, b: idx}
	}
	svc, err := autosupport.New(cfg)
	if err != nil {
		logger.Fatalf("autosupport: %v", err)
	}
	defer svc.Close()
	scene.OnRemoved(svc.HandleRemoval)

	ctx, cancel := signalContext()
	defer cancel()

	saveToLoad := strings.TrimSpace(*snapPath)
	if saveToLoad == "" && *loadLatest {
		saveToLoad, err = snapshot.Latest(filepath.Join(worldDir, "snapshots"))
		if err != nil {
			logger.Fatalf("find latest save: %v", err)
		}
	}
	if saveToLoad != "" {
		st, err := snapshot.ReadState(saveToLoad)
		if err != nil {
			logger.Fatalf("read save: %v", err)
		}
		if st.Header.WorldID != "" && st.Header.WorldID != *worldID {
			logger.Fatalf("save world id mismatch: flag=%s save=%s", *worldID, st.Header.WorldID)
		}
		n, err := RestoreScene(ctx, scene, &st, cats)
		if err != nil {
			logger.Fatalf("restore scene: %v", err)
		}
		if err := svc.Import(ctx, st); err != nil {
			logger.Fatalf("import save: %v", err)
		}
		logger.Printf("resumed from save=%s tick=%d objects=%d", filepath.Base(saveToLoad), svc.CurrentTick(), n)
	} else {
		if err := layout.SpawnBuildings(ctx, scene, svc, cats); err != nil {
			logger.Fatalf("layout: %v", err)
		}
		logger.Printf("fresh world: buildings=%d", len(svc.Buildings()))
	}
	wsSrv.SetTick(svc.CurrentTick())

	rt := &runtime{
		logger:    logger,
		worldDir:  worldDir,
		svc:       svc,
		ws:        wsSrv,
		bridge:    ws.NewBridge(svc, NewWallets(layout).Consumer, logger),
		idx:       idx,
		saveEvery: *saveEvery,
		keepSaves: *keepSaves,
		saveReq:   make(chan chan saveResult),
		saveCh:    make(chan snapshot.StateV1, 2),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", rt.metricsHandler(*worldID))
	mux.HandleFunc("/admin/v1/save", rt.saveHandler())
	mux.HandleFunc("/v1/status", wsSrv.StatusHandler())
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

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
	go func() {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("ListenAndServe: %v", err)
			cancel()
		}
	}()

	if *tickRate <= 0 {
		*tickRate = 10
	}
	rt.run(ctx, time.Second/time.Duration(*tickRate))
}

type saveResult struct {
	tick uint64
	err  error
}

// runtime owns the service. Everything that touches it runs on run's goroutine.
type runtime struct {
	logger   *log.Logger
	worldDir string

	svc    *autosupport.Service
	ws     *ws.Server
	bridge *ws.Bridge
	idx    runtimeIndex

	saveEvery uint64
	keepSaves int
	lastSave  uint64
	saveMu    sync.Mutex

	saveReq chan chan saveResult
	saveCh  chan snapshot.StateV1

	tick      atomic.Uint64
	groupings atomic.Int64
	buildings atomic.Int64
}

func (rt *runtime) run(ctx context.Context, interval time.Duration) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for st := range rt.saveCh {
			if _, err := rt.writeSave(st); err != nil {
				rt.logger.Printf("save write: %v", err)
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rt.lastSave = rt.svc.CurrentTick()
	rt.publish()

	for {
		select {
		case <-ctx.Done():
			close(rt.saveCh)
			<-writerDone
			if _, err := rt.writeSave(rt.svc.Export()); err != nil {
				rt.logger.Printf("final save: %v", err)
			}
			return
		case env := <-rt.ws.Inbox():
			rt.bridge.Handle(ctx, env)
			rt.svc.Groups().Flush()
		case fn := <-rt.svc.Groups().Inbox():
			fn()
			rt.svc.Groups().Flush()
		case reply := <-rt.saveReq:
			st := rt.svc.Export()
			tick, err := rt.writeSave(st)
			rt.lastSave = st.Header.Tick
			reply <- saveResult{tick: tick, err: err}
		case <-ticker.C:
			rt.svc.Tick()
			rt.publish()
			if t := rt.svc.CurrentTick(); rt.saveEvery > 0 && t-rt.lastSave >= rt.saveEvery {
				rt.lastSave = t
				select {
				case rt.saveCh <- rt.svc.Export():
				default:
					rt.logger.Printf("save writer busy; skipping save at tick %d", t)
				}
			}
		}
	}
}

func (rt *runtime) publish() {
	t := rt.svc.CurrentTick()
	rt.ws.SetTick(t)
	rt.tick.Store(t)
	rt.groupings.Store(int64(rt.svc.Groups().Len()))
	rt.buildings.Store(int64(len(rt.svc.Buildings())))
}

func (rt *runtime) writeSave(st snapshot.StateV1) (uint64, error) {
	rt.saveMu.Lock()
	defer rt.saveMu.Unlock()

	path := filepath.Join(rt.worldDir, "snapshots", snapshot.FileName(st.Header.Tick))
	if err := snapshot.WriteState(path, st); err != nil {
		return 0, err
	}
	st.Normalize()
	if rt.idx != nil {
		rt.idx.RecordSave(path, st.Header)
	}
	if archived, err := archive.RotateSaves(rt.worldDir, rt.keepSaves); err != nil {
		rt.logger.Printf("rotate saves: %v", err)
	} else if len(archived) > 0 {
		rt.logger.Printf("archived %d saves", len(archived))
	}
	return st.Header.Tick, nil
}

func (rt *runtime) saveHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		reply := make(chan saveResult, 1)
		var res saveResult
		select {
		case rt.saveReq <- reply:
			select {
			case res = <-reply:
			case <-ctx.Done():
				res.err = ctx.Err()
			}
		case <-ctx.Done():
			res.err = ctx.Err()
		}

		rw.Header().Set("Content-Type", "application/json")
		if res.err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": res.err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": res.tick})
	}
}

func (rt *runtime) metricsHandler(worldID string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP autosupport_tick Current simulation tick.\n")
		fmt.Fprintf(rw, "# TYPE autosupport_tick gauge\n")
		fmt.Fprintf(rw, "autosupport_tick{world=%q} %d\n", worldID, rt.tick.Load())

		fmt.Fprintf(rw, "# HELP autosupport_groupings Live support groupings.\n")
		fmt.Fprintf(rw, "# TYPE autosupport_groupings gauge\n")
		fmt.Fprintf(rw, "autosupport_groupings{world=%q} %d\n", worldID, rt.groupings.Load())

		fmt.Fprintf(rw, "# HELP autosupport_buildings Registered anchor buildings.\n")
		fmt.Fprintf(rw, "# TYPE autosupport_buildings gauge\n")
		fmt.Fprintf(rw, "autosupport_buildings{world=%q} %d\n", worldID, rt.buildings.Load())

		fmt.Fprintf(rw, "# HELP autosupport_ws_sessions Connected tool sessions.\n")
		fmt.Fprintf(rw, "# TYPE autosupport_ws_sessions gauge\n")
		fmt.Fprintf(rw, "autosupport_ws_sessions{world=%q} %d\n", worldID, rt.ws.Sessions())

		fmt.Fprintf(rw, "# HELP autosupport_ws_dropped_total Outbound messages dropped for slow sessions.\n")
		fmt.Fprintf(rw, "# TYPE autosupport_ws_dropped_total counter\n")
		fmt.Fprintf(rw, "autosupport_ws_dropped_total{world=%q} %d\n", worldID, rt.ws.Dropped())

		if rt.idx == nil {
			return
		}
		s := rt.idx.Stats()
		fmt.Fprintf(rw, "# HELP autosupport_index_queue_depth Index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE autosupport_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "autosupport_index_queue_depth{world=%q} %d\n", worldID, s.QueueDepth)
		fmt.Fprintf(rw, "# HELP autosupport_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE autosupport_index_dropped_total counter\n")
		fmt.Fprintf(rw, "autosupport_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "audit", s.DropAuditTotal)
		fmt.Fprintf(rw, "autosupport_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "save", s.DropSaveTotal)
	}
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

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
