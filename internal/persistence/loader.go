package persistence

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/packedrow/kernel/internal/catalog"
	"github.com/packedrow/kernel/internal/errs"
	"github.com/packedrow/kernel/internal/types"
)

// LoadCatalog implements spec.md §4.8's startup contract: parse
// schema.json first, then for each table read <name>.bin (treating a
// missing file as empty), validate its length is a multiple of
// record_size (refusing to start otherwise), rebuild the live-index,
// and set each table's id counter to max(id)+1.
//
// Returns a freshly constructed, already-populated Catalog. If
// schema.json does not exist, returns an empty catalog (fresh data
// dir) with no error.
func LoadCatalog(dataDir string, registry *types.Registry, logger *slog.Logger) (*catalog.Catalog, error) {
	cat := catalog.New(dataDir, registry, logger)

	view, err := catalog.ReadSchemaFile(dataDir)
	if err != nil {
		return nil, errs.Wrap(errs.KindIoError, "failed to read schema.json", err)
	}
	if view == nil {
		logger.Info("no schema.json found; starting with an empty catalog", slog.String("data_dir", dataDir))
		return cat, nil
	}

	for _, name := range view.TableNames() {
		recordSize, fields, ok := view.Table(name)
		if !ok {
			continue
		}

		dataPath := filepath.Join(dataDir, name+".bin")
		fileBytes, err := os.ReadFile(dataPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errs.Wrap(errs.KindIoError, "failed to read table data file "+dataPath, err)
			}
			fileBytes = nil
		}

		table, err := catalog.RestoreTable(registry, name, recordSize, fields, fileBytes)
		if err != nil {
			return nil, err
		}
		cat.InstallTable(table)

		logger.Info("table restored",
			slog.String("table", name),
			slog.Int("record_size", recordSize),
			slog.Int("live_count", table.Buffer.Snapshot().State.LiveCount()),
		)
	}

	for _, rel := range view.Relations() {
		id := rel.FromTable + "." + rel.FromField + "->" + rel.ToTable + "." + rel.ToField
		cat.InstallRelation(catalog.Relation{
			ID:        id,
			FromTable: rel.FromTable,
			FromField: rel.FromField,
			ToTable:   rel.ToTable,
			ToField:   rel.ToField,
		})
	}

	return cat, nil
}
