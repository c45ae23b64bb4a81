package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`

	Buildings int `json:"buildings"`
	Groupings int `json:"groupings"`
}

// StateV1 is everything the support subsystem persists: per-building configuration and
// each grouping's member list. Plans and trace results are never saved.
type StateV1 struct {
	Header Header `json:"header"`

	Buildings []BuildingV1 `json:"buildings"`
	Groupings []GroupingV1 `json:"groupings"`
}

type BuildingV1 struct {
	ID       string        `json:"id"`
	Class    string        `json:"class"`
	Pos      [3]float64    `json:"pos"`
	Rot      [4]float64    `json:"rot"` // w, x, y, z
	Bounds   [2][3]float64 `json:"bounds"`
	ObjectID uint64        `json:"object_id,omitempty"`

	Direction   string  `json:"direction"`
	Start       PartV1  `json:"start"`
	Middle      PartV1  `json:"middle"`
	End         PartV1  `json:"end"`
	Burial      float64 `json:"burial"`
	TerrainOnly bool    `json:"terrain_only,omitempty"`
}

type PartV1 struct {
	Descriptor    string            `json:"descriptor,omitempty"`
	Orientation   string            `json:"orientation,omitempty"`
	Customization map[string]string `json:"customization,omitempty"`
}

type GroupingV1 struct {
	ID        string         `json:"id"`
	Owner     string         `json:"owner"`
	AnchorPos [3]float64     `json:"anchor_pos"`
	AnchorRot [4]float64     `json:"anchor_rot"`
	Bounds    [2][3]float64  `json:"bounds"`
	Cost      map[string]int `json:"cost,omitempty"`
	Members   []MemberV1     `json:"members"`
}

// MemberV1 is a quantized handle: lattice position and a quaternion scaled to integers.
type MemberV1 struct {
	Class       string   `json:"class"`
	Pos         [3]int64 `json:"pos"`
	Rot         [4]int32 `json:"rot"`
	Lightweight bool     `json:"lightweight,omitempty"`
}

// Normalize fills the header counters and sorts the records so equal states encode to
// equal bytes.
func (s *StateV1) Normalize() {
	if s.Header.Version == 0 {
		s.Header.Version = Version
	}
	sort.Slice(s.Buildings, func(i, j int) bool { return s.Buildings[i].ID < s.Buildings[j].ID })
	sort.Slice(s.Groupings, func(i, j int) bool { return s.Groupings[i].ID < s.Groupings[j].ID })
	s.Header.Buildings = len(s.Buildings)
	s.Header.Groupings = len(s.Groupings)
}

func WriteState(path string, st StateV1) error {
	st.Normalize()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 64*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(st.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&st); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadState(path string) (StateV1, error) {
	var st StateV1
	f, err := os.Open(path)
	if err != nil {
		return st, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return st, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return st, fmt.Errorf("read header: %w", err)
	}

	if err := gob.NewDecoder(br).Decode(&st); err != nil {
		return st, fmt.Errorf("gob decode: %w", err)
	}
	if st.Header.Version != Version {
		return st, fmt.Errorf("unsupported state version %d", st.Header.Version)
	}
	return st, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// FileName is the save file name for a tick.
func FileName(tick uint64) string {
	return fmt.Sprintf("%d.snap.zst", tick)
}

// Latest returns the save in dir with the highest tick, or "" when there is none.
func Latest(dir string) (string, error) {
	ents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var (
		best     string
		bestTick uint64
	)
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			best, bestTick = filepath.Join(dir, name), tick
		}
	}
	return best, nil
}
