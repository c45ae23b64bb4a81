package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	persistlog "autosupport.dev/internal/persistence/log"
	"autosupport.dev/internal/persistence/snapshot"
	"autosupport.dev/internal/sim/autosupport"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "rollback":
			rollbackCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "save":
			saveCmd(os.Args[2:])
			return
		case "status":
			statusCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "worlds")
	if *worldID != "" {
		base = filepath.Join(base, *worldID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// stateCmd summarizes a save on disk. The server keeps running; nothing is locked.
func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -snapshot)")
	snapPath := fs.String("snapshot", "", "save path (optional; defaults to latest)")
	headerOnly := fs.Bool("header", false, "print only the header")
	_ = fs.Parse(args)

	path := resolveSave(*dataDir, *worldID, *snapPath)
	if *headerOnly {
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read header:", err)
			os.Exit(1)
		}
		printJSON(h)
		return
	}

	st, err := snapshot.ReadState(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read save:", err)
		os.Exit(1)
	}
	type groupingSummary struct {
		ID      string         `json:"id"`
		Owner   string         `json:"owner"`
		Members int            `json:"members"`
		Bounds  [2][3]float64  `json:"bounds"`
		Cost    map[string]int `json:"cost,omitempty"`
	}
	out := struct {
		Save      string            `json:"save"`
		Header    snapshot.Header   `json:"header"`
		Buildings []string          `json:"buildings"`
		Groupings []groupingSummary `json:"groupings"`
	}{Save: path, Header: st.Header, Buildings: []string{}, Groupings: []groupingSummary{}}
	for _, b := range st.Buildings {
		out.Buildings = append(out.Buildings, b.ID)
	}
	for _, g := range st.Groupings {
		out.Groupings = append(out.Groupings, groupingSummary{
			ID: g.ID, Owner: g.Owner, Members: len(g.Members), Bounds: g.Bounds, Cost: g.Cost,
		})
	}
	printJSON(out)
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	action := fs.String("action", "", "action filter (BUILD, BUILD_REFUSED, DISMANTLE, GROUPING_DESTROYED)")
	actor := fs.String("actor", "", "actor filter")
	groupingID := fs.String("grouping", "", "grouping id filter")
	sinceTick := fs.Uint64("since_tick", 0, "first tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "last tick (inclusive, optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	entries, err := readAudit(filepath.Join(*dataDir, "worlds", *worldID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.Tick < *sinceTick || (*toTick != 0 && e.Tick > *toTick) {
			continue
		}
		if *action != "" && !strings.EqualFold(e.Action, *action) {
			continue
		}
		if *actor != "" && e.Actor != *actor {
			continue
		}
		if *groupingID != "" && e.Grouping != *groupingID {
			continue
		}
		printJSON(e)
	}
}

// rollbackCmd writes a copy of a save without the groupings built inside a box during a
// tick window. Restoring from it leaves those supports out of the world.
func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	snapPath := fs.String("snapshot", "", "save to roll back (optional; defaults to latest)")
	aabb := fs.String("aabb", "", "box filter in cm: x1,y1,z1:x2,y2,z2 (required)")
	sinceTick := fs.Uint64("since_tick", 0, "roll back builds since tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "roll back builds up to tick (inclusive, optional; defaults to save tick)")
	actor := fs.String("actor", "", "only builds by this actor (optional)")
	outPath := fs.String("out", "", "output save path (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	if strings.TrimSpace(*aabb) == "" {
		fmt.Fprintln(os.Stderr, "missing -aabb")
		os.Exit(2)
	}
	min, max, err := parseAABB(*aabb)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -aabb:", err)
		os.Exit(2)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	path := resolveSave(*dataDir, *worldID, *snapPath)
	st, err := snapshot.ReadState(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read save:", err)
		os.Exit(1)
	}

	endTick := *toTick
	if endTick == 0 || endTick > st.Header.Tick {
		endTick = st.Header.Tick
	}

	entries, err := readAudit(worldDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	f := rollbackFilter{Since: *sinceTick, To: endTick, Min: min, Max: max, Actor: *actor}
	dropped := applyRollback(&st, f.match(entries))
	if len(dropped) == 0 {
		fmt.Println("no matching groupings; nothing to roll back")
		return
	}

	if strings.TrimSpace(*outPath) == "" {
		*outPath = filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.rollback.snap.zst", st.Header.Tick))
	}
	if err := snapshot.WriteState(*outPath, st); err != nil {
		fmt.Fprintln(os.Stderr, "write save:", err)
		os.Exit(1)
	}

	fmt.Printf("rollback ok: save=%s tick=%d aabb=%s since=%d to=%d dropped=%d out=%s\n",
		filepath.Base(path), st.Header.Tick, *aabb, *sinceTick, endTick, len(dropped), *outPath)
	for _, id := range dropped {
		fmt.Println("  dropped", id)
	}
}

type rollbackFilter struct {
	Since, To uint64
	Min, Max  [3]float64
	Actor     string
}

// match returns the ids of groupings whose BUILD entry falls inside the filter.
func (f rollbackFilter) match(entries []autosupport.AuditEntry) map[string]bool {
	out := map[string]bool{}
	for _, e := range entries {
		if e.Action != autosupport.AuditBuild || e.Grouping == "" {
			continue
		}
		if e.Tick < f.Since || e.Tick > f.To {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if !overlaps(e.Min, e.Max, f.Min, f.Max) {
			continue
		}
		out[e.Grouping] = true
	}
	return out
}

func applyRollback(st *snapshot.StateV1, ids map[string]bool) []string {
	if st == nil || len(ids) == 0 {
		return nil
	}
	var dropped []string
	kept := st.Groupings[:0]
	for _, g := range st.Groupings {
		if ids[g.ID] {
			dropped = append(dropped, g.ID)
			continue
		}
		kept = append(kept, g)
	}
	st.Groupings = kept
	st.Header.Groupings = len(kept)
	sort.Strings(dropped)
	return dropped
}

func overlaps(aMin, aMax, bMin, bMax [3]float64) bool {
	for i := 0; i < 3; i++ {
		if aMax[i] < bMin[i] || aMin[i] > bMax[i] {
			return false
		}
	}
	return true
}

func parseAABB(s string) (min, max [3]float64, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return min, max, fmt.Errorf("expected x1,y1,z1:x2,y2,z2")
	}
	a, err := parseVec3(parts[0])
	if err != nil {
		return min, max, err
	}
	b, err := parseVec3(parts[1])
	if err != nil {
		return min, max, err
	}
	for i := 0; i < 3; i++ {
		if a[i] <= b[i] {
			min[i], max[i] = a[i], b[i]
		} else {
			min[i], max[i] = b[i], a[i]
		}
	}
	return min, max, nil
}

func parseVec3(s string) ([3]float64, error) {
	var v [3]float64
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected x,y,z")
	}
	for i := 0; i < 3; i++ {
		n, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}

// readAudit returns every audit entry of a world in write order.
func readAudit(worldDir string) ([]autosupport.AuditEntry, error) {
	files, err := persistlog.NewAuditLogger(worldDir).Files()
	if err != nil {
		return nil, err
	}
	var out []autosupport.AuditEntry
	for _, f := range files {
		entries, err := persistlog.ReadAudit(f)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func resolveSave(dataDir, worldID, explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if strings.TrimSpace(worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world or -snapshot")
		os.Exit(2)
	}
	p, err := snapshot.Latest(filepath.Join(dataDir, "worlds", worldID, "snapshots"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "find save:", err)
		os.Exit(1)
	}
	if p == "" {
		fmt.Fprintln(os.Stderr, "no save found; provide -snapshot or run the server until it writes one")
		os.Exit(2)
	}
	return p
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
