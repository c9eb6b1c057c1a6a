package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// SearchFacts returns up to limit facts within namespace whose assertion
// text matches any keyword of query, most-recently-valid first. This is the
// Go-native stand-in for the original's Graphiti hybrid (vector + BM25 +
// graph) search — a text-containment match scoped to the tenant namespace —
// called by engine/retrieval's candidate-gathering step (spec §4.I step 1).
func (g *GraphStore) SearchFacts(ctx context.Context, namespace, query string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	keywords := searchKeywords(query)

	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (a:Entity)-[r {namespace: $namespace}]->(b:Entity)
	           WHERE size($keywords) = 0 OR any(kw IN $keywords WHERE toLower(r.assertion) CONTAINS kw)
	           RETURN r, type(r) AS relType, a.id AS fromID, b.id AS toID
	           ORDER BY r.valid_at DESC
	           LIMIT $limit`
	result, err := sess.Run(ctx, cypher, map[string]any{
		"namespace": namespace, "keywords": keywords, "limit": int64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("graph: search facts in %s: %w", namespace, err)
	}

	var facts []Fact
	for result.Next(ctx) {
		rec := result.Record()
		rel, _, err := neo4j.GetRecordValue[dbtype.Relationship](rec, "r")
		if err != nil {
			return nil, fmt.Errorf("graph: scan fact relationship: %w", err)
		}
		relType, _ := rec.Get("relType")
		fromID, _ := rec.Get("fromID")
		toID, _ := rec.Get("toID")
		facts = append(facts, factFromProps(rel.Props, fmt.Sprint(relType), fmt.Sprint(fromID), fmt.Sprint(toID)))
	}
	return facts, result.Err()
}

// FindFactsByEntity returns every still-valid fact with entityID as its
// subject within namespace (spec §4.N): the supersession check a Q&A-answer
// ingestion runs before asserting a higher-confidence replacement fact.
func (g *GraphStore) FindFactsByEntity(ctx context.Context, namespace, entityID string) ([]Fact, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (a:Entity {id: $entityID})-[r {namespace: $namespace}]->(b:Entity)
	           WHERE r.invalid_at IS NULL
	           RETURN r, type(r) AS relType, a.id AS fromID, b.id AS toID`
	result, err := sess.Run(ctx, cypher, map[string]any{"entityID": entityID, "namespace": namespace})
	if err != nil {
		return nil, fmt.Errorf("graph: find facts by entity %s in %s: %w", entityID, namespace, err)
	}

	var facts []Fact
	for result.Next(ctx) {
		rec := result.Record()
		rel, _, err := neo4j.GetRecordValue[dbtype.Relationship](rec, "r")
		if err != nil {
			return nil, fmt.Errorf("graph: scan fact relationship: %w", err)
		}
		relType, _ := rec.Get("relType")
		fromID, _ := rec.Get("fromID")
		toID, _ := rec.Get("toID")
		facts = append(facts, factFromProps(rel.Props, fmt.Sprint(relType), fmt.Sprint(fromID), fmt.Sprint(toID)))
	}
	return facts, result.Err()
}

func searchKeywords(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	keywords := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, "?.,!;:'\"")
		if len(w) > 2 {
			keywords = append(keywords, w)
		}
	}
	return keywords
}

func factFromProps(props map[string]any, relType, fromID, toID string) Fact {
	f := Fact{
		Type:      relType,
		From:      fromID,
		To:        toID,
		ID:        strProp(props, "id"),
		Namespace: strProp(props, "namespace"),
		Assertion: strProp(props, "assertion"),
		Name:      strProp(props, "name"),
	}
	if v, ok := props["confidence"].(float64); ok {
		f.Confidence = v
	}
	if s := strProp(props, "valid_at"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			f.ValidAt = t
		}
	}
	if s := strProp(props, "invalid_at"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			f.InvalidAt = &t
		}
	}
	return f
}
