package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type Catalogs struct {
	Items   ItemCatalog
	Parts   PartCatalog
	Recipes RecipeCatalog
}

type ItemCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]ItemDef
	PaletteDigest string
	DefsDigest    string
}

type ItemDef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// PartCatalog holds the buildable descriptors a support chain may use.
type PartCatalog struct {
	ByID   map[string]PartDef
	Digest string
}

type PartDef struct {
	ID    string `json:"id"`
	Class string `json:"class"`
	// Bounds is the mesh-local box before any rotation, [min, max].
	Bounds      [2][3]float64 `json:"bounds"`
	Recipe      string        `json:"recipe"`
	Lightweight bool          `json:"lightweight,omitempty"`
}

type RecipeCatalog struct {
	ByID   map[string]RecipeDef
	Digest string
}

type RecipeDef struct {
	RecipeID string      `json:"recipe_id"`
	Inputs   []ItemCount `json:"inputs"`
}

type ItemCount struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadItems(filepath.Join(configDir, "items.json"), &c.Items); err != nil {
		return nil, err
	}
	if err := loadRecipes(filepath.Join(configDir, "recipes.json"), &c.Recipes); err != nil {
		return nil, err
	}
	if err := loadParts(filepath.Join(configDir, "parts.json"), &c.Parts); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Part resolves a descriptor reference.
func (c *Catalogs) Part(id string) (PartDef, bool) {
	if c == nil || id == "" {
		return PartDef{}, false
	}
	p, ok := c.Parts.ByID[id]
	return p, ok
}

// Ingredients returns the per-unit item cost of a recipe.
func (c *Catalogs) Ingredients(recipeID string) ([]ItemCount, bool) {
	if c == nil || recipeID == "" {
		return nil, false
	}
	r, ok := c.Recipes.ByID[recipeID]
	if !ok {
		return nil, false
	}
	return r.Inputs, true
}

func (c *Catalogs) validate() error {
	for _, r := range c.Recipes.ByID {
		for _, in := range r.Inputs {
			if _, ok := c.Items.Defs[in.Item]; !ok {
				return fmt.Errorf("recipes.json: %s: unknown item %q", r.RecipeID, in.Item)
			}
			if in.Count <= 0 {
				return fmt.Errorf("recipes.json: %s: non-positive count for %s", r.RecipeID, in.Item)
			}
		}
	}
	for _, p := range c.Parts.ByID {
		if p.Recipe == "" {
			continue
		}
		if _, ok := c.Recipes.ByID[p.Recipe]; !ok {
			return fmt.Errorf("parts.json: %s: unknown recipe %q", p.ID, p.Recipe)
		}
	}
	return nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadItems(path string, out *ItemCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.DefsDigest = sha256Hex(raw)

	var defs []ItemDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("items.json: %w", err)
	}
	out.Defs = map[string]ItemDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("items.json: empty id")
		}
		out.Defs[d.ID] = d
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	return nil
}

func loadRecipes(path string, out *RecipeCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []RecipeDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("recipes.json: %w", err)
	}
	out.ByID = map[string]RecipeDef{}
	for _, r := range defs {
		if r.RecipeID == "" {
			return fmt.Errorf("recipes.json: empty recipe_id")
		}
		out.ByID[r.RecipeID] = r
	}
	return nil
}

func loadParts(path string, out *PartCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []PartDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("parts.json: %w", err)
	}
	out.ByID = map[string]PartDef{}
	for _, p := range defs {
		if p.ID == "" {
			return fmt.Errorf("parts.json: empty id")
		}
		if p.Class == "" {
			return fmt.Errorf("parts.json: %s: empty class", p.ID)
		}
		out.ByID[p.ID] = p
	}
	return nil
}
