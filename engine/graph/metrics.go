package graph

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// NodeCounts returns node counts grouped by label.
func (g *GraphStore) NodeCounts(ctx context.Context) (map[string]int64, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (n) RETURN labels(n)[0] AS type, count(*) AS count`
	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		typ, _ := rec.Get("type")
		cnt, _ := rec.Get("count")
		if t, ok := typ.(string); ok {
			if c, ok := cnt.(int64); ok {
				counts[t] = c
			}
		}
	}
	return counts, nil
}

// RelationshipCounts returns relationship counts grouped by type.
func (g *GraphStore) RelationshipCounts(ctx context.Context) (map[string]int64, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH ()-[r]->() RETURN type(r) AS type, count(*) AS count`
	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		typ, _ := rec.Get("type")
		cnt, _ := rec.Get("count")
		if t, ok := typ.(string); ok {
			if c, ok := cnt.(int64); ok {
				counts[t] = c
			}
		}
	}
	return counts, nil
}

// EntityCountByNamespace returns the number of entities within one tenant
// namespace, used by the tenant migration utility (spec §4.J) to report how
// much a namespace holds before/after a legacy-namespace migration.
func (g *GraphStore) EntityCountByNamespace(ctx context.Context, namespace string) (int64, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity {namespace: $namespace}) RETURN count(n) AS count`
	result, err := sess.Run(ctx, cypher, map[string]any{"namespace": namespace})
	if err != nil {
		return 0, err
	}
	if !result.Next(ctx) {
		return 0, nil
	}
	cnt, _ := result.Record().Get("count")
	if c, ok := cnt.(int64); ok {
		return c, nil
	}
	return 0, nil
}

// RecentEpisodes returns the most recently ingested episodes in a namespace,
// newest first, for the processing-status dashboard (spec §4.M).
func (g *GraphStore) RecentEpisodes(ctx context.Context, namespace string, limit int) ([]Episode, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (e:Episode {namespace: $namespace})
		RETURN e.name AS name, e.content AS content, e.source_desc AS source_desc, e.reference_time AS reference_time
		ORDER BY e.reference_time DESC LIMIT $limit`
	result, err := sess.Run(ctx, cypher, map[string]any{"namespace": namespace, "limit": int64(limit)})
	if err != nil {
		return nil, err
	}
	var episodes []Episode
	for result.Next(ctx) {
		rec := result.Record()
		ep := Episode{Namespace: namespace}
		if v, ok := rec.Get("name"); ok {
			ep.Name, _ = v.(string)
		}
		if v, ok := rec.Get("content"); ok {
			ep.Content, _ = v.(string)
		}
		if v, ok := rec.Get("source_desc"); ok {
			ep.SourceDesc, _ = v.(string)
		}
		if v, ok := rec.Get("reference_time"); ok {
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					ep.ReferenceTime = t
				}
			}
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}
