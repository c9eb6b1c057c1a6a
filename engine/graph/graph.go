package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/dealdocs/pipeline/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// GraphStore provides graph operations on top of the generic Neo4j repository.
// Every write and read is scoped by namespace (spec §4.J): the deep knowledge
// graph is a single physical Neo4j instance partitioned by the "org:deal"
// namespace property on every node and edge, never by separate databases.
type GraphStore struct {
	driver   neo4j.DriverWithContext
	entities *repo.Neo4jRepo[Entity, string]
}

// New creates a new GraphStore.
func New(driver neo4j.DriverWithContext) *GraphStore {
	return &GraphStore{
		driver:   driver,
		entities: newEntityRepo(driver),
	}
}

// Ping verifies Neo4j connectivity, satisfying engine/observability.GraphPinger.
func (g *GraphStore) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// GetEntity returns an entity by ID.
func (g *GraphStore) GetEntity(ctx context.Context, id string) (Entity, error) {
	return g.entities.Get(ctx, id)
}

// SaveEntity creates or updates an entity node, adding its type as a second
// Neo4j label (e.g. :Entity:Company) so type-scoped Cypher stays cheap.
func (g *GraphStore) SaveEntity(ctx context.Context, e Entity) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MERGE (n:Entity {id: $id}) SET n:%s, n += $props`,
		sanitizeLabel(e.Type),
	)
	_, err := sess.Run(ctx, cypher, map[string]any{
		"id":    e.ID,
		"props": entityToMap(e),
	})
	return err
}

// SaveFact creates or updates a typed edge between two entities, scoped to
// the fact's namespace (spec §4.G: WorksFor, Supersedes, Contradicts,
// Supports, ExtractedFrom, CompetesWith, InvestsIn, Mentions, Supplies).
func (g *GraphStore) SaveFact(ctx context.Context, f Fact) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (a:Entity {id: $from}), (b:Entity {id: $to})
		 MERGE (a)-[r:%s {id: $id}]->(b)
		 SET r.namespace = $namespace, r.assertion = $assertion, r.name = $name,
		     r.valid_at = $validAt, r.invalid_at = $invalidAt, r.confidence = $confidence`,
		sanitizeRelType(f.Type),
	)
	_, err := sess.Run(ctx, cypher, factParams(f))
	return err
}

// InvalidateFact sets a fact's invalid_at timestamp, marking it superseded
// without deleting it — the bi-temporal model retrieval's supersession
// filter (spec §4.I') relies on to drop stale facts while keeping history.
func (g *GraphStore) InvalidateFact(ctx context.Context, factID string, at time.Time) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH ()-[r {id: $id}]->() SET r.invalid_at = $at`
	_, err := sess.Run(ctx, cypher, map[string]any{"id": factID, "at": at.UTC().Format(time.RFC3339)})
	return err
}

// SaveEpisode records a piece of evidence ingested into the graph (one per
// document chunk on the deep path, or one per chat-fact/Q&A-answer
// ingestion, spec §4.N). Episodes are identified by name within a namespace.
func (g *GraphStore) SaveEpisode(ctx context.Context, ep Episode) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MERGE (n:Episode {name: $name, namespace: $namespace})
	           SET n.content = $content, n.source_desc = $sourceDesc, n.reference_time = $referenceTime`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"name":          ep.Name,
		"namespace":     ep.Namespace,
		"content":       ep.Content,
		"sourceDesc":    ep.SourceDesc,
		"referenceTime": ep.ReferenceTime.UTC().Format(time.RFC3339),
	})
	return err
}

// Neighbors returns entities within the given traversal depth from a node,
// scoped to one namespace.
func (g *GraphStore) Neighbors(ctx context.Context, namespace, nodeID string, depth int) ([]Entity, error) {
	if depth <= 0 {
		depth = 1
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (start:Entity {id: $id, namespace: $namespace})-[*1..%d]-(n:Entity)
		 WHERE n.id <> $id AND n.namespace = $namespace
		 RETURN DISTINCT n`, depth)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": nodeID, "namespace": namespace})
	if err != nil {
		return nil, err
	}
	return collectEntities(ctx, result)
}

// FindByNamespace returns all entities within a namespace.
func (g *GraphStore) FindByNamespace(ctx context.Context, namespace string) ([]Entity, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity {namespace: $namespace}) RETURN n`
	result, err := sess.Run(ctx, cypher, map[string]any{"namespace": namespace})
	if err != nil {
		return nil, err
	}
	return collectEntities(ctx, result)
}

// FindByType returns all entities of a given type within a namespace.
func (g *GraphStore) FindByType(ctx context.Context, namespace, entityType string) ([]Entity, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity {namespace: $namespace, type: $type}) RETURN n`
	result, err := sess.Run(ctx, cypher, map[string]any{"namespace": namespace, "type": entityType})
	if err != nil {
		return nil, err
	}
	return collectEntities(ctx, result)
}

// TracePath finds the shortest path between two entities in a namespace.
func (g *GraphStore) TracePath(ctx context.Context, namespace, fromID, toID string) ([]Entity, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH p = shortestPath((a:Entity {id: $from, namespace: $namespace})-[*]-(b:Entity {id: $to, namespace: $namespace}))
				RETURN nodes(p) AS nodes`
	result, err := sess.Run(ctx, cypher, map[string]any{"from": fromID, "to": toID, "namespace": namespace})
	if err != nil {
		return nil, err
	}
	if !result.Next(ctx) {
		return nil, fmt.Errorf("no path from %s to %s", fromID, toID)
	}

	nodesVal, ok := result.Record().Get("nodes")
	if !ok {
		return nil, fmt.Errorf("no nodes in path result")
	}
	nodeList, ok := nodesVal.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected nodes type")
	}

	var entities []Entity
	for _, raw := range nodeList {
		node, ok := raw.(dbtype.Node)
		if !ok {
			continue
		}
		entities = append(entities, entityFromProps(node.Props))
	}
	return entities, nil
}

// SaveBatch saves multiple entities and facts in a single transaction, the
// unit of work for one deep-path graph-ingest job (spec §4.G).
func (g *GraphStore) SaveBatch(ctx context.Context, entities []Entity, facts []Fact) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, e := range entities {
			cypher := fmt.Sprintf(`MERGE (n:Entity {id: $id}) SET n:%s, n += $props`, sanitizeLabel(e.Type))
			if _, err := tx.Run(ctx, cypher, map[string]any{
				"id":    e.ID,
				"props": entityToMap(e),
			}); err != nil {
				return nil, err
			}
		}
		for _, f := range facts {
			cypher := fmt.Sprintf(
				`MATCH (a:Entity {id: $from}), (b:Entity {id: $to})
				 MERGE (a)-[r:%s {id: $id}]->(b)
				 SET r.namespace = $namespace, r.assertion = $assertion, r.name = $name,
				     r.valid_at = $validAt, r.invalid_at = $invalidAt, r.confidence = $confidence`,
				sanitizeRelType(f.Type),
			)
			if _, err := tx.Run(ctx, cypher, factParams(f)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func factParams(f Fact) map[string]any {
	var invalidAt any
	if f.InvalidAt != nil {
		invalidAt = f.InvalidAt.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"from":       f.From,
		"to":         f.To,
		"id":         f.ID,
		"namespace":  f.Namespace,
		"assertion":  f.Assertion,
		"name":       f.Name,
		"validAt":    f.ValidAt.UTC().Format(time.RFC3339),
		"invalidAt":  invalidAt,
		"confidence": f.Confidence,
	}
}

// collectEntities reads all Entity nodes from a result set.
func collectEntities(ctx context.Context, result neo4j.ResultWithContext) ([]Entity, error) {
	var items []Entity
	for result.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "n")
		if err != nil {
			return nil, err
		}
		items = append(items, entityFromProps(node.Props))
	}
	return items, nil
}

// entityFromProps constructs an Entity from Neo4j node properties.
func entityFromProps(props map[string]any) Entity {
	e := Entity{
		ID:         strProp(props, "id"),
		Name:       strProp(props, "name"),
		Type:       strProp(props, "type"),
		Namespace:  strProp(props, "namespace"),
		Properties: make(map[string]string),
	}
	for k, v := range props {
		if len(k) > 5 && k[:5] == "prop_" {
			if s, ok := v.(string); ok {
				e.Properties[k[5:]] = s
			}
		}
	}
	return e
}

// sanitizeRelType ensures the relationship type is a valid, upper-cased
// Cypher identifier, matching Neo4j's relationship-type naming convention.
func sanitizeRelType(t string) string {
	safe := sanitizeIdentifier(t, "RELATED_TO")
	out := make([]byte, len(safe))
	for i := range safe {
		c := safe[i]
		if c >= 'a' && c <= 'z' {
			c -= 32
		}
		out[i] = c
	}
	return string(out)
}

// sanitizeLabel ensures the entity type is a valid Cypher node label,
// preserving its original casing (e.g. "Company", "FinancialMetric").
func sanitizeLabel(t string) string {
	return sanitizeIdentifier(t, "Unclassified")
}

func sanitizeIdentifier(t, fallback string) string {
	safe := make([]byte, 0, len(t))
	for i := range t {
		c := t[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return fallback
	}
	return string(safe)
}
