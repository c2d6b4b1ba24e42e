package main

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
)

// CompileInput is everything a single compilation reads.
type CompileInput struct {
	Columns        []ColumnMetadata
	Overrides      *Overrides
	TypeMapping    TypeMappingConfig
	Defaults       Defaults
	WatermarksPath string
	BaseFiles      string
	Workers        int
}

// CompileResult is the compiled document plus the per-table projections it
// was built from, in document order.
type CompileResult struct {
	Document    *PipelineConfig
	Projections []*Projection
	Warnings    []string
}

type compiledTable struct {
	id         TableIdentity
	config     TableConfig
	projection *Projection
}

// compile turns column metadata and overrides into a pipeline document. It is
// deterministic: the same input always produces the same document. Any
// invariant violation aborts the whole compilation.
func compile(in CompileInput) (*CompileResult, error) {
	if in.Overrides == nil {
		empty, err := newOverrides(OverridesConfig{}, nil)
		if err != nil {
			return nil, err
		}
		in.Overrides = empty
	}

	groups, sources, warnings, err := groupColumns(in.Columns, in.Overrides)
	if err != nil {
		return nil, err
	}

	type slot struct {
		table    *compiledTable
		warnings []string
		err      error
	}
	slots := make([]slot, len(groups))

	// Errors land in their group's slot rather than failing the group, so every
	// violation is reported and joined in identity order.
	var g errgroup.Group
	g.SetLimit(max(in.Workers, 1))
	for i := range groups {
		g.Go(func() error {
			t, w, err := compileTable(groups[i], in.Overrides, in.TypeMapping)
			slots[i] = slot{table: t, warnings: w, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	var tables []compiledTable
	seen := make(map[TableIdentity]bool, len(groups))
	for i, s := range slots {
		seen[groups[i].ID] = true
		warnings = append(warnings, s.warnings...)
		if s.err != nil {
			errs = append(errs, s.err)
			continue
		}
		if s.table != nil {
			tables = append(tables, *s.table)
		}
	}
	warnings = append(warnings, in.Overrides.unusedOverrides(seen)...)

	slices.SortStableFunc(tables, func(a, b compiledTable) int {
		return cmp.Or(
			cmp.Compare(a.config.DeltaSchema, b.config.DeltaSchema),
			cmp.Compare(a.config.DeltaTable, b.config.DeltaTable),
		)
	})
	if err := checkDuplicateTargets(tables); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(tables) == 0 {
		return nil, ErrNoTables
	}

	// The first table decides source and connection_name; a multi-source run
	// is labelled with a single source.
	first := sources[tables[0].id.Source]
	doc := &PipelineConfig{
		Source:         first.Alias,
		WatermarksPath: in.WatermarksPath,
		BaseFiles:      in.BaseFiles,
		ConnectionName: first.Connection,
		Defaults:       in.Defaults,
		Tables:         make([]TableConfig, len(tables)),
	}
	res := &CompileResult{Document: doc, Projections: make([]*Projection, len(tables))}
	emitted := make(map[string]bool)
	for i, t := range tables {
		doc.Tables[i] = t.config
		res.Projections[i] = t.projection
		emitted[t.id.Source] = true
	}
	if len(emitted) > 1 {
		warnings = append(warnings, fmt.Sprintf("tables span %d sources; document is labelled %q", len(emitted), first.Alias))
	}
	res.Warnings = warnings
	return res, nil
}

// groupColumns validates metadata rows, resolves their source alias and groups
// them per table. A row with an empty column name registers its table without
// contributing a column. Groups are returned in identity order.
func groupColumns(rows []ColumnMetadata, o *Overrides) ([]tableGroup, map[string]SourceAlias, []string, error) {
	var errs []error
	var warnings []string
	byID := make(map[TableIdentity]*tableGroup)
	sources := make(map[string]SourceAlias)
	unresolved := make(map[sourceKey]bool)

	for i, r := range rows {
		var missing []string
		if r.Server == "" {
			missing = append(missing, "server_name")
		}
		if r.Database == "" {
			missing = append(missing, "db_name")
		}
		if r.Schema == "" {
			missing = append(missing, "schema_name")
		}
		if r.Object == "" {
			missing = append(missing, "obj_name")
		}
		if len(missing) > 0 {
			errs = append(errs, fmt.Errorf("%w: metadata row %d (%s.%s) missing %v", ErrCompile, i, r.Object, r.Column, missing))
			continue
		}

		alias, ok := o.ResolveSource(r.Server, r.Database)
		if !ok {
			unresolved[sourceKey{server: r.Server, database: r.Database}] = true
		}
		if prev, exists := sources[alias.Alias]; !exists || lessSource(alias, prev) {
			sources[alias.Alias] = alias
		}

		id := TableIdentity{Source: alias.Alias, Schema: r.Schema, Object: r.Object}
		g, exists := byID[id]
		if !exists {
			g = &tableGroup{ID: id}
			byID[id] = g
		}
		if r.Column != "" {
			g.Columns = append(g.Columns, r)
		}
	}
	if len(errs) > 0 {
		return nil, nil, nil, errors.Join(errs...)
	}

	keys := make([]sourceKey, 0, len(unresolved))
	for k := range unresolved {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b sourceKey) int {
		return cmp.Or(cmp.Compare(a.server, b.server), cmp.Compare(a.database, b.database))
	})
	for _, k := range keys {
		warnings = append(warnings, fmt.Sprintf("no source mapping for server=%q database=%q; using alias %q", k.server, k.database, k.database))
	}

	groups := make([]tableGroup, 0, len(byID))
	for _, g := range byID {
		groups = append(groups, *g)
	}
	slices.SortFunc(groups, func(a, b tableGroup) int {
		if a.ID.less(b.ID) {
			return -1
		}
		if b.ID.less(a.ID) {
			return 1
		}
		return 0
	})
	return groups, sources, warnings, nil
}

func lessSource(a, b SourceAlias) bool {
	if a.Server != b.Server {
		return a.Server < b.Server
	}
	return a.Database < b.Database
}

// compileTable resolves overrides and builds the table entry for one group.
// Excluded tables return a nil table and are never projected.
func compileTable(g tableGroup, o *Overrides, typeMap TypeMappingConfig) (*compiledTable, []string, error) {
	r := o.Resolve(g.ID)
	if r.Excluded {
		return nil, nil, nil
	}

	var warnings []string
	var errs []error

	mode, err := resolveLoadMode(g.ID, r)
	if err != nil {
		errs = append(errs, err)
	}
	if r.Partition != nil && r.LoadMode != LoadModeWindow {
		warnings = append(warnings, fmt.Sprintf("%s: partition override ignored for load_mode %q", g.ID, r.LoadMode))
	}

	proj, projWarnings, err := buildProjection(g, typeMap)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	warnings = append(warnings, projWarnings...)

	return &compiledTable{
		id:         g.ID,
		projection: proj,
		config: TableConfig{
			Name:        g.ID.Object,
			Enabled:     r.Enabled,
			SizeClass:   r.SizeClass,
			LoadMode:    mode,
			DeltaSchema: g.ID.Source,
			DeltaTable:  deltaTableName(g.ID.Schema, g.ID.Object),
			BaseQuery:   proj.Query,
		},
	}, warnings, nil
}

// resolveLoadMode builds the load-mode variant, failing when the fields the
// mode requires are missing.
func resolveLoadMode(id TableIdentity, r Resolution) (LoadMode, error) {
	switch r.LoadMode {
	case LoadModeIncremental:
		var missing []string
		if r.FilterColumn == "" {
			missing = append(missing, "filter_column")
		}
		if r.Kind == "" {
			missing = append(missing, "kind")
		}
		if len(missing) > 0 {
			return nil, &LoadModeError{Table: id, Mode: r.LoadMode, Missing: missing}
		}
		return Incremental{FilterColumn: r.FilterColumn, Kind: r.Kind}, nil
	case LoadModeWindow:
		p := r.Partition
		if p == nil {
			return nil, &LoadModeError{Table: id, Mode: r.LoadMode,
				Missing: []string{"partition_column", "granularity", "lookback_months"}}
		}
		var missing []string
		if p.PartitionColumn == "" {
			missing = append(missing, "partition_column")
		}
		if p.Granularity == "" {
			missing = append(missing, "granularity")
		}
		if p.LookbackMonths <= 0 {
			missing = append(missing, "lookback_months")
		}
		if len(missing) > 0 {
			return nil, &LoadModeError{Table: id, Mode: r.LoadMode, Missing: missing}
		}
		return Window{PartitionColumn: p.PartitionColumn, Granularity: p.Granularity, LookbackMonths: p.LookbackMonths}, nil
	default:
		return Snapshot{}, nil
	}
}

// checkDuplicateTargets reports every lake table targeted by more than one
// source table. tables must be sorted by target.
func checkDuplicateTargets(tables []compiledTable) error {
	var errs []error
	for i := 0; i < len(tables); {
		j := i + 1
		for j < len(tables) &&
			tables[j].config.DeltaSchema == tables[i].config.DeltaSchema &&
			tables[j].config.DeltaTable == tables[i].config.DeltaTable {
			j++
		}
		if j-i > 1 {
			ids := make([]TableIdentity, 0, j-i)
			for _, t := range tables[i:j] {
				ids = append(ids, t.id)
			}
			errs = append(errs, &DuplicateTargetError{
				DeltaSchema: tables[i].config.DeltaSchema,
				DeltaTable:  tables[i].config.DeltaTable,
				Tables:      ids,
			})
		}
		i = j
	}
	return errors.Join(errs...)
}
