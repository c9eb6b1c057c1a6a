package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// LegacyNamespaces returns every distinct namespace value in the graph that
// is missing the composite `{org}:{deal}` colon join, for the tenant
// migration utility (spec §4.J) to discover rewrite candidates.
func (g *GraphStore) LegacyNamespaces(ctx context.Context) ([]string, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (n) WHERE n.namespace IS NOT NULL AND NOT n.namespace CONTAINS ':'
	           RETURN DISTINCT n.namespace AS namespace`
	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	var namespaces []string
	for result.Next(ctx) {
		if v, ok := result.Record().Get("namespace"); ok {
			if s, ok := v.(string); ok {
				namespaces = append(namespaces, s)
			}
		}
	}
	return namespaces, result.Err()
}

// RenameNamespace rewrites every node and relationship carrying the
// `from` namespace to `to`, returning the number of nodes and relationships
// touched. Used by the tenant migration utility to commit a legacy ->
// composite namespace rewrite once a dry run has confirmed it.
func (g *GraphStore) RenameNamespace(ctx context.Context, from, to string) (nodes, rels int64, err error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	nodeCypher := `MATCH (n {namespace: $from}) SET n.namespace = $to RETURN count(n) AS count`
	nodeResult, err := sess.Run(ctx, nodeCypher, map[string]any{"from": from, "to": to})
	if err != nil {
		return 0, 0, err
	}
	if nodeResult.Next(ctx) {
		if v, ok := nodeResult.Record().Get("count"); ok {
			nodes, _ = v.(int64)
		}
	}
	if err := nodeResult.Err(); err != nil {
		return 0, 0, err
	}

	relCypher := `MATCH ()-[r {namespace: $from}]->() SET r.namespace = $to RETURN count(r) AS count`
	relResult, err := sess.Run(ctx, relCypher, map[string]any{"from": from, "to": to})
	if err != nil {
		return nodes, 0, err
	}
	if relResult.Next(ctx) {
		if v, ok := relResult.Record().Get("count"); ok {
			rels, _ = v.(int64)
		}
	}
	return nodes, rels, relResult.Err()
}
