package graph

import (
	"github.com/dealdocs/pipeline/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// newEntityRepo creates a Neo4j-backed repository for Entity nodes.
func newEntityRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[Entity, string] {
	return repo.NewNeo4jRepo[Entity, string](
		driver,
		"Entity",
		entityToMap,
		entityFromRecord,
	)
}

func entityToMap(e Entity) map[string]any {
	m := map[string]any{
		"id":        e.ID,
		"name":      e.Name,
		"type":      e.Type,
		"namespace": e.Namespace,
	}
	for k, v := range e.Properties {
		m["prop_"+k] = v
	}
	return m
}

func entityFromRecord(rec *neo4j.Record) (Entity, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Entity{}, err
	}
	return entityFromProps(node.Props), nil
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
