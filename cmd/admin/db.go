package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autosupport.dev/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	live := fs.Bool("live", false, "groupings: hide destroyed ones")
	owner := fs.String("owner", "", "groupings/audits: actor filter")
	action := fs.String("action", "", "audits: action filter")
	_ = fs.Parse(args)

	q := "saves"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}

	db, err := indexdb.OpenReadOnly(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}

	switch q {
	case "saves":
		rows, err := db.Query(`SELECT tick,path,world_id,buildings,groupings,recorded_at FROM saves ORDER BY tick DESC LIMIT ?`, *limit)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick       int64  `json:"tick"`
				Path       string `json:"path"`
				WorldID    string `json:"world_id"`
				Buildings  int    `json:"buildings"`
				Groupings  int    `json:"groupings"`
				RecordedAt string `json:"recorded_at"`
			}
			if err := rows.Scan(&r.Tick, &r.Path, &r.WorldID, &r.Buildings, &r.Groupings, &r.RecordedAt); err != nil {
				fatal("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "groupings":
		qs := `SELECT id,owner,COALESCE(building,''),members,min_x,min_y,min_z,max_x,max_y,max_z,cost_json,built_tick,COALESCE(destroyed_tick,0),COALESCE(destroy_cause,'') FROM groupings`
		var (
			where []string
			qargs []any
		)
		if *live {
			where = append(where, "destroy_cause IS NULL")
		}
		if o := strings.TrimSpace(*owner); o != "" {
			where = append(where, "owner=?")
			qargs = append(qargs, o)
		}
		if len(where) > 0 {
			qs += " WHERE " + strings.Join(where, " AND ")
		}
		qs += " ORDER BY built_tick DESC, id LIMIT ?"
		qargs = append(qargs, *limit)

		rows, err := db.Query(qs, qargs...)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r    indexdb.GroupingRow
				cost string
			)
			if err := rows.Scan(&r.ID, &r.Owner, &r.Building, &r.Members,
				&r.Min[0], &r.Min[1], &r.Min[2], &r.Max[0], &r.Max[1], &r.Max[2],
				&cost, &r.BuiltTick, &r.DestroyedTick, &r.DestroyCause); err != nil {
				fatal("scan", err)
			}
			_ = json.Unmarshal([]byte(cost), &r.Cost)
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "audits":
		qs := `SELECT raw_json FROM audits`
		var (
			where []string
			qargs []any
		)
		if a := strings.TrimSpace(*action); a != "" {
			where = append(where, "action=?")
			qargs = append(qargs, strings.ToUpper(a))
		}
		if o := strings.TrimSpace(*owner); o != "" {
			where = append(where, "actor=?")
			qargs = append(qargs, o)
		}
		if len(where) > 0 {
			qs += " WHERE " + strings.Join(where, " AND ")
		}
		qs += " ORDER BY tick DESC, seq DESC LIMIT ?"
		qargs = append(qargs, *limit)

		rows, err := db.Query(qs, qargs...)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				fatal("scan", err)
			}
			fmt.Println(raw)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "catalogs":
		rows, err := db.Query(`SELECT name,digest,updated_at FROM catalogs ORDER BY name`)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Name      string `json:"name"`
				Digest    string `json:"digest"`
				UpdatedAt string `json:"updated_at"`
			}
			if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
				fatal("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "counts":
		counts, err := auditCounts(db)
		if err != nil {
			fatal("query", err)
		}
		printJSON(counts)

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-world WORLD|-db PATH] [-limit N] saves|groupings|audits|catalogs|counts")
		os.Exit(2)
	}
}

func auditCounts(db *sql.DB) (map[string]int, error) {
	rows, err := db.Query(`SELECT action, COUNT(*) FROM audits GROUP BY action`)
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

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
