package tenant

import (
	"context"
	"fmt"
	"strings"
)

// NamespaceLister discovers legacy (non-composite) namespace values still
// present in the graph. Satisfied by engine/graph.GraphStore.LegacyNamespaces.
type NamespaceLister interface {
	LegacyNamespaces(ctx context.Context) ([]string, error)
}

// NamespaceRenamer rewrites every node and relationship carrying one
// namespace value to another. Satisfied by
// engine/graph.GraphStore.RenameNamespace.
type NamespaceRenamer interface {
	RenameNamespace(ctx context.Context, from, to string) (nodes, rels int64, err error)
}

// MigrationEntry reports the outcome of examining one legacy namespace.
type MigrationEntry struct {
	Legacy       string
	Composite    string
	NodesUpdated int64
	RelsUpdated  int64
	Orphan       bool
	Skipped      bool
}

// MigrationReport is the result of one migration run.
type MigrationReport struct {
	DryRun  bool
	Entries []MigrationEntry
}

// graphNamespaceStore is the narrow view of engine/graph.GraphStore the
// migrator needs.
type graphNamespaceStore interface {
	NamespaceLister
	NamespaceRenamer
}

// Migrator rewrites legacy deal-only graph namespaces to the composite
// `{organization_id}:{deal_id}` form (spec §4.J). It is idempotent —
// already-composite namespaces never surface from LegacyNamespaces, and
// Migrate re-checks anyway — reports orphans (legacy namespaces with no
// matching deal on file), and supports a dry-run mode that reports without
// writing.
type Migrator struct {
	Graph graphNamespaceStore
	Deals DealOrganizationLookup
}

// NewMigrator constructs a Migrator.
func NewMigrator(graph graphNamespaceStore, deals DealOrganizationLookup) *Migrator {
	return &Migrator{Graph: graph, Deals: deals}
}

// Migrate discovers every legacy namespace and, unless dryRun, rewrites it
// to the composite form. A legacy namespace is assumed to be a bare
// deal_id; its owning organization is resolved via Deals. Namespaces with
// no matching deal are reported as orphans and left untouched.
func (m *Migrator) Migrate(ctx context.Context, dryRun bool) (MigrationReport, error) {
	legacy, err := m.Graph.LegacyNamespaces(ctx)
	if err != nil {
		return MigrationReport{}, fmt.Errorf("tenant: list legacy namespaces: %w", err)
	}

	report := MigrationReport{DryRun: dryRun}
	for _, ns := range legacy {
		if strings.Contains(ns, ":") {
			report.Entries = append(report.Entries, MigrationEntry{Legacy: ns, Skipped: true})
			continue
		}

		orgID, err := m.Deals.OrganizationForDeal(ctx, ns)
		if err != nil {
			report.Entries = append(report.Entries, MigrationEntry{Legacy: ns, Orphan: true})
			continue
		}

		entry := MigrationEntry{Legacy: ns, Composite: orgID + ":" + ns}
		if !dryRun {
			nodes, rels, err := m.Graph.RenameNamespace(ctx, ns, entry.Composite)
			if err != nil {
				return report, fmt.Errorf("tenant: rename namespace %s: %w", ns, err)
			}
			entry.NodesUpdated, entry.RelsUpdated = nodes, rels
		}
		report.Entries = append(report.Entries, entry)
	}
	return report, nil
}
