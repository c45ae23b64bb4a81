package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"autosupport.dev/internal/persistence/snapshot"
)

type SaveArchiveMeta struct {
	Tick      uint64 `json:"tick"`
	WorldID   string `json:"world_id"`
	Buildings int    `json:"buildings"`
	Groupings int    `json:"groupings"`
	Snapshot  string `json:"snapshot"`
	CreatedAt string `json:"created_at"`
}

// RotateSaves keeps the newest keep saves under worldDir/snapshots and moves older ones into
// worldDir/archives/tick_<N>/ next to a meta.json. It returns the archived paths.
func RotateSaves(worldDir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	saves, err := listSaves(filepath.Join(worldDir, "snapshots"))
	if err != nil {
		return nil, err
	}
	if len(saves) <= keep {
		return nil, nil
	}

	var out []string
	for _, s := range saves[:len(saves)-keep] {
		dst, err := archiveSave(worldDir, s.path, s.tick)
		if err != nil {
			return out, err
		}
		out = append(out, dst)
	}
	return out, nil
}

type save struct {
	tick uint64
	path string
}

// listSaves returns saves oldest first.
func listSaves(dir string) ([]save, error) {
	ents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []save
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, save{tick: tick, path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tick < out[j].tick })
	return out, nil
}

func archiveSave(worldDir, src string, tick uint64) (string, error) {
	archiveDir := filepath.Join(worldDir, "archives", fmt.Sprintf("tick_%d", tick))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(archiveDir, filepath.Base(src))

	meta := SaveArchiveMeta{
		Tick:      tick,
		Snapshot:  filepath.Base(dst),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	// Unreadable headers still get archived; the meta just stays sparse.
	if h, err := snapshot.ReadHeader(src); err == nil {
		meta.WorldID = h.WorldID
		meta.Buildings = h.Buildings
		meta.Groupings = h.Groupings
	}

	if err := os.Rename(src, dst); err != nil {
		if err := copyFile(src, dst); err != nil {
			return "", err
		}
		if err := os.Remove(src); err != nil {
			return "", err
		}
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}
	return dst, nil
}

// ReadMeta loads the meta.json written next to an archived save.
func ReadMeta(archiveDir string) (SaveArchiveMeta, error) {
	var m SaveArchiveMeta
	b, err := os.ReadFile(filepath.Join(archiveDir, "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
