// Package catalog loads per-hospital rate sheets and serves the
// in-memory indices verification runs against: a hospital index, a
// per-hospital category index, per-category item indices, and a union
// item index for the low-category-confidence path.
//
// A Catalog is an immutable snapshot. Service wraps rebuild-and-swap
// behind an atomic pointer so readers never observe a half-built
// catalog; a failed reload keeps the previous snapshot live.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/claimlens/claimlens/internal/apperr"
	"github.com/claimlens/claimlens/internal/embed"
	"github.com/claimlens/claimlens/internal/log"
	"github.com/claimlens/claimlens/internal/match"
	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/normalize"
)

// supportedSchemaMajor is the rate-sheet schema major version this
// build reads. Sheets without a schema_version are treated as 1.0.0.
const supportedSchemaMajor = 1

// Item is one tie-up entry resolved for verification. Every index entry
// carries a Ref pointing back into the owning hospital's flat Items
// table, so per-category and union lookups share one Ref space.
type Item struct {
	Hospital   string
	Category   string
	Name       string
	Normalized string
	Rate       float64
	Type       string
}

// Hospital is one hospital's indexed rate sheet.
type Hospital struct {
	Name  string
	Slug  string
	Sheet *model.RateSheet

	// Items is the flat tie-up table; match results reference it by
	// position.
	Items []Item

	// Categories keeps sheet order; category index Refs point here.
	Categories []string

	normalized string
	tokens     []string
	vector     []float32

	categories *match.Index
	byCategory map[string]*match.Index
	union      *match.Index
}

// Item resolves a match Ref back to its tie-up entry.
func (h *Hospital) Item(ref int) Item { return h.Items[ref] }

// CategoryIndex returns the index over this hospital's category names.
func (h *Hospital) CategoryIndex() *match.Index { return h.categories }

// ItemIndex returns the item index for one category, looked up
// case-insensitively by display name.
func (h *Hospital) ItemIndex(category string) (*match.Index, bool) {
	ix, ok := h.byCategory[normalize.Key(category)]
	return ix, ok
}

// UnionIndex returns the index over every item in the hospital,
// regardless of category.
func (h *Hospital) UnionIndex() *match.Index { return h.union }

// Catalog is an immutable snapshot of every loaded hospital.
type Catalog struct {
	hospitals map[string]*Hospital
	ordered   []*Hospital
	index     *match.Index
	modelID   string
	builtAt   time.Time
}

// Load reads every *.json rate sheet in dir and builds a catalog
// snapshot. Any invalid sheet fails the whole load: a catalog that
// silently dropped a hospital would misreport that hospital's bills as
// NOT_IN_TIEUP. An empty directory yields an empty, working catalog.
func Load(ctx context.Context, dir string, embedder embed.Embedder) (*Catalog, error) {
	const op = "catalog.load"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCatalogLoad, op, "reading catalog directory", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	cat := &Catalog{
		hospitals: make(map[string]*Hospital),
		modelID:   embedder.ModelID(),
		builtAt:   time.Now(),
	}
	sources := make(map[string]string)

	for _, name := range files {
		sheet, err := LoadSheet(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}

		h, err := buildHospital(ctx, sheet, strings.TrimSuffix(name, ".json"), embedder)
		if err != nil {
			return nil, err
		}

		key := normalize.Key(h.Name)
		if prev, ok := sources[key]; ok {
			return nil, apperr.Newf(apperr.CodeCatalogLoad, op,
				"duplicate hospital %q in %s and %s", h.Name, prev, name)
		}
		sources[key] = name
		cat.hospitals[key] = h
		cat.ordered = append(cat.ordered, h)
	}

	sort.Slice(cat.ordered, func(i, j int) bool {
		return cat.ordered[i].Name < cat.ordered[j].Name
	})

	hospitalEntries := make([]match.Entry, len(cat.ordered))
	for i, h := range cat.ordered {
		hospitalEntries[i] = match.Entry{
			Name:       h.Name,
			Normalized: h.normalized,
			Tokens:     h.tokens,
			Vector:     h.vector,
			Ref:        i,
		}
	}
	cat.index = match.NewIndex(hospitalEntries)

	return cat, nil
}

// LoadSheet reads and validates a single rate-sheet file. Sheets
// without a hospital_name take their display name from the file stem.
func LoadSheet(path string) (*model.RateSheet, error) {
	const op = "catalog.load_sheet"
	file := filepath.Base(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCatalogLoad, op, fmt.Sprintf("reading %s", file), err)
	}

	var sheet model.RateSheet
	if err := json.Unmarshal(data, &sheet); err != nil {
		return nil, apperr.Wrap(apperr.CodeCatalogLoad, op, fmt.Sprintf("parsing %s", file), err)
	}

	if strings.TrimSpace(sheet.HospitalName) == "" {
		sheet.HospitalName = normalize.UnSlug(strings.TrimSuffix(file, ".json"))
	}

	if err := checkSchemaVersion(sheet.SchemaVersion); err != nil {
		return nil, apperr.Wrap(apperr.CodeCatalogLoad, op, file, err)
	}
	if err := sheet.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeCatalogLoad, op, file, err)
	}

	return &sheet, nil
}

// checkSchemaVersion gates sheets on the supported major version.
func checkSchemaVersion(version string) error {
	if version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", version, err)
	}
	if v.Major() != supportedSchemaMajor {
		return fmt.Errorf("unsupported schema_version %s: this build reads schema %d.x", version, supportedSchemaMajor)
	}
	return nil
}

// buildHospital indexes one sheet. All node names are embedded in a
// single batch; an embedding failure fails the load, because a catalog
// with zero vectors would score nothing above threshold.
func buildHospital(ctx context.Context, sheet *model.RateSheet, slug string, embedder embed.Embedder) (*Hospital, error) {
	const op = "catalog.index_hospital"

	h := &Hospital{
		Name:       sheet.HospitalName,
		Slug:       slug,
		Sheet:      sheet,
		byCategory: make(map[string]*match.Index),
	}
	h.normalized = normalize.Normalized(h.Name)
	h.tokens = normalize.ContentTokens(h.normalized)

	// Texts to embed, in a fixed layout: hospital name, then one per
	// category, then one per item in sheet order.
	texts := []string{h.normalized}

	catNorms := make([]string, len(sheet.Categories))
	for i, cat := range sheet.Categories {
		h.Categories = append(h.Categories, cat.CategoryName)
		catNorms[i] = normalize.Normalized(cat.CategoryName)
		texts = append(texts, catNorms[i])
	}

	for _, cat := range sheet.Categories {
		for _, item := range cat.Items {
			norm := normalize.Normalized(item.ItemName)
			h.Items = append(h.Items, Item{
				Hospital:   h.Name,
				Category:   cat.CategoryName,
				Name:       item.ItemName,
				Normalized: norm,
				Rate:       item.Rate,
				Type:       item.EffectiveType(),
			})
			texts = append(texts, norm)
		}
	}

	vecs, err := embedder.Embed(ctx, texts)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCatalogLoad, op, fmt.Sprintf("embedding %q", h.Name), err)
	}

	h.vector = vecs[0]
	next := 1

	catEntries := make([]match.Entry, len(sheet.Categories))
	for i, cat := range sheet.Categories {
		catEntries[i] = match.Entry{
			Name:       cat.CategoryName,
			Normalized: catNorms[i],
			Tokens:     normalize.ContentTokens(catNorms[i]),
			Vector:     vecs[next],
			Ref:        i,
		}
		next++
	}
	h.categories = match.NewIndex(catEntries)

	union := make([]match.Entry, 0, len(h.Items))
	ref := 0
	for _, cat := range sheet.Categories {
		entries := make([]match.Entry, 0, len(cat.Items))
		for range cat.Items {
			item := h.Items[ref]
			e := match.Entry{
				Name:       item.Name,
				Normalized: item.Normalized,
				Tokens:     normalize.ContentTokens(item.Normalized),
				Vector:     vecs[next],
				Ref:        ref,
			}
			entries = append(entries, e)
			union = append(union, e)
			ref++
			next++
		}
		h.byCategory[normalize.Key(cat.CategoryName)] = match.NewIndex(entries)
	}
	h.union = match.NewIndex(union)

	return h, nil
}

// BuiltAt reports when this snapshot was loaded.
func (c *Catalog) BuiltAt() time.Time { return c.builtAt }

// ModelID reports the embedding model the snapshot was built with.
func (c *Catalog) ModelID() string { return c.modelID }

// Len reports the number of hospitals.
func (c *Catalog) Len() int { return len(c.ordered) }

// ItemCount reports the total tie-up items across hospitals.
func (c *Catalog) ItemCount() int {
	n := 0
	for _, h := range c.ordered {
		n += len(h.Items)
	}
	return n
}

// Hospitals returns the loaded hospitals sorted by name.
func (c *Catalog) Hospitals() []*Hospital { return c.ordered }

// Names returns the sorted hospital display names.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.ordered))
	for i, h := range c.ordered {
		names[i] = h.Name
	}
	return names
}

// HospitalIndex returns the index over hospital names. Entry Refs are
// positions in Hospitals().
func (c *Catalog) HospitalIndex() *match.Index { return c.index }

// HospitalByRef resolves a hospital index Ref.
func (c *Catalog) HospitalByRef(ref int) *Hospital { return c.ordered[ref] }

// Hospital resolves a hospital by display name. The lookup is
// case-insensitive and whitespace-collapsed.
func (c *Catalog) Hospital(name string) (*Hospital, error) {
	h, ok := c.hospitals[normalize.Key(name)]
	if !ok {
		return nil, apperr.Newf(apperr.CodeHospitalNotFound, "catalog.hospital",
			"hospital %q is not in the tie-up catalog", name)
	}
	return h, nil
}

// Service owns the live catalog snapshot.
type Service struct {
	dir      string
	embedder embed.Embedder
	logger   log.Logger
	current  atomic.Pointer[Catalog]
}

// NewService creates a service loading from dir with the given
// embedder. Call Load before serving lookups.
func NewService(dir string, embedder embed.Embedder, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{dir: dir, embedder: embedder, logger: logger}
}

// Dir returns the catalog directory the service loads from.
func (s *Service) Dir() string { return s.dir }

// Current returns the live snapshot, or nil before the first Load.
func (s *Service) Current() *Catalog { return s.current.Load() }

// Load builds the initial snapshot.
func (s *Service) Load(ctx context.Context) (*Catalog, error) {
	return s.Reload(ctx)
}

// Reload builds a fresh snapshot and swaps it in. On failure the
// previous snapshot stays live and the error is returned.
func (s *Service) Reload(ctx context.Context) (*Catalog, error) {
	started := time.Now()
	cat, err := Load(ctx, s.dir, s.embedder)
	if err != nil {
		return nil, err
	}
	s.current.Store(cat)
	s.logger.Info("catalog loaded",
		"hospitals", cat.Len(),
		"items", cat.ItemCount(),
		"duration", time.Since(started).Round(time.Millisecond).String(),
	)
	return cat, nil
}
