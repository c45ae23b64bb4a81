package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"autosupport.dev/internal/persistence/snapshot"
	"autosupport.dev/internal/sim/autosupport"
	"autosupport.dev/internal/sim/catalogs"
	"autosupport.dev/internal/sim/tuning"
)

// SQLiteIndex is a queryable read model of the build audit stream. Writes are queued and
// applied by one goroutine; the compressed audit logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAudit atomic.Uint64
	dropSave  atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqSave
	reqSync
)

type req struct {
	kind reqKind

	audit autosupport.AuditEntry
	save  saveRow
	done  chan struct{}
}

type saveRow struct {
	Tick      uint64
	Path      string
	WorldID   string
	Buildings int
	Groupings int
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropAuditTotal uint64
	DropSaveTotal  uint64
}

// GroupingRow is one grouping as last seen in the audit stream.
type GroupingRow struct {
	ID            string
	Owner         string
	Building      string
	Members       int
	Min           [3]float64
	Max           [3]float64
	Cost          map[string]int
	BuiltTick     uint64
	DestroyedTick uint64
	DestroyCause  string
}

func (r GroupingRow) Live() bool { return r.DestroyCause == "" }

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

// OpenReadOnly opens an index file for inspection without starting a writer.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			building TEXT,
			grouping_id TEXT,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor_tick ON audits(actor, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_grouping ON audits(grouping_id);`,
		`CREATE TABLE IF NOT EXISTS groupings (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			building TEXT,
			members INTEGER NOT NULL,
			min_x REAL NOT NULL, min_y REAL NOT NULL, min_z REAL NOT NULL,
			max_x REAL NOT NULL, max_y REAL NOT NULL, max_z REAL NOT NULL,
			cost_json TEXT NOT NULL,
			built_tick INTEGER NOT NULL,
			destroyed_tick INTEGER,
			destroy_cause TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_groupings_owner ON groupings(owner);`,
		`CREATE TABLE IF NOT EXISTS saves (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			world_id TEXT NOT NULL,
			buildings INTEGER NOT NULL,
			groupings INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropAuditTotal: s.dropAudit.Load(),
		DropSaveTotal:  s.dropSave.Load(),
	}
}

func (s *SQLiteIndex) WriteAudit(entry autosupport.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
		// Drop if the indexer falls behind.
		s.dropAudit.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSave(path string, h snapshot.Header) {
	if s == nil || s.closed.Load() {
		return
	}
	r := saveRow{Tick: h.Tick, Path: path, WorldID: h.WorldID, Buildings: h.Buildings, Groupings: h.Groupings}
	select {
	case s.ch <- req{kind: reqSave, save: r}:
	default:
		s.dropSave.Add(1)
	}
}

// Sync blocks until every queued write is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertCatalogs stores the raw catalogs and the tuning in effect, keyed by digest.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	read := func(name, file, digest string) {
		if configDir == "" {
			return
		}
		b, err := os.ReadFile(filepath.Join(configDir, file))
		if err != nil {
			return
		}
		rows = append(rows, kv{name: name, digest: digest, json: b})
	}
	read("items_defs", "items.json", cats.Items.DefsDigest)
	read("recipes", "recipes.json", cats.Recipes.Digest)
	read("parts", "parts.json", cats.Parts.Digest)
	{
		// Canonical part list for easier querying.
		parts := make([]catalogs.PartDef, 0, len(cats.Parts.ByID))
		for _, p := range cats.Parts.ByID {
			parts = append(parts, p)
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })
		if b, _ := json.Marshal(parts); len(b) > 0 {
			rows = append(rows, kv{name: "parts_canonical", digest: cats.Parts.Digest, json: b})
		}
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CatalogDigest returns the stored digest of a catalog row.
func (s *SQLiteIndex) CatalogDigest(ctx context.Context, name string) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM catalogs WHERE name=?`, name).Scan(&d)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return d, err
}

// Groupings lists indexed groupings ordered by build tick; liveOnly hides destroyed ones.
func (s *SQLiteIndex) Groupings(ctx context.Context, liveOnly bool) ([]GroupingRow, error) {
	q := `SELECT id, owner, COALESCE(building,''), members, min_x, min_y, min_z, max_x, max_y, max_z,
		cost_json, built_tick, COALESCE(destroyed_tick,0), COALESCE(destroy_cause,'')
		FROM groupings`
	if liveOnly {
		q += ` WHERE destroy_cause IS NULL`
	}
	q += ` ORDER BY built_tick, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupingRow
	for rows.Next() {
		var (
			r    GroupingRow
			cost string
		)
		if err := rows.Scan(&r.ID, &r.Owner, &r.Building, &r.Members,
			&r.Min[0], &r.Min[1], &r.Min[2], &r.Max[0], &r.Max[1], &r.Max[2],
			&cost, &r.BuiltTick, &r.DestroyedTick, &r.DestroyCause); err != nil {
			return nil, err
		}
		if cost != "" {
			_ = json.Unmarshal([]byte(cost), &r.Cost)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AuditCounts returns how many audit rows exist per action.
func (s *SQLiteIndex) AuditCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT action, COUNT(*) FROM audits GROUP BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			action string
			n      int
		)
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		out[action] = n
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(tick,seq,actor,action,building,grouping_id,reason,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertGrouping, _ := s.db.Prepare(`INSERT OR REPLACE INTO groupings(id,owner,building,members,min_x,min_y,min_z,max_x,max_y,max_z,cost_json,built_tick) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	destroyGrouping, _ := s.db.Prepare(`UPDATE groupings SET destroyed_tick=?, destroy_cause=? WHERE id=? AND destroy_cause IS NULL`)
	insertSave, _ := s.db.Prepare(`INSERT OR REPLACE INTO saves(tick,path,world_id,buildings,groupings,recorded_at) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertAudit, insertGrouping, destroyGrouping, insertSave} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second

		lastAuditTick uint64
		auditSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqAudit:
			a := r.audit
			if a.Tick != lastAuditTick {
				lastAuditTick = a.Tick
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			if !exec(insertAudit, int64(a.Tick), seq, a.Actor, a.Action, a.Building, a.Grouping, a.Reason, string(raw)) {
				continue
			}
			switch a.Action {
			case autosupport.AuditBuild:
				cost, _ := json.Marshal(a.Cost)
				exec(insertGrouping, a.Grouping, a.Actor, a.Building, a.Members,
					a.Min[0], a.Min[1], a.Min[2], a.Max[0], a.Max[1], a.Max[2],
					string(cost), int64(a.Tick))
			case autosupport.AuditDestroyed:
				exec(destroyGrouping, int64(a.Tick), a.Reason, a.Grouping)
			}

		case reqSave:
			sv := r.save
			exec(insertSave, int64(sv.Tick), sv.Path, sv.WorldID, sv.Buildings, sv.Groupings,
				time.Now().UTC().Format(time.RFC3339Nano))
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
