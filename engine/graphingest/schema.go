package graphingest

// EntityTypes is the closed set of entity labels the graph engine is guided
// to extract (spec §4.G step 5).
var EntityTypes = []string{"Company", "Person", "FinancialMetric", "Finding", "Risk"}

// EdgeTypes is the closed set of fact/edge labels the graph engine is
// guided to extract.
var EdgeTypes = []string{
	"WorksFor", "Supersedes", "Contradicts", "Supports",
	"ExtractedFrom", "CompetesWith", "InvestsIn", "Mentions", "Supplies",
}

// EdgeTypeMap restricts which entity-type pairs a given edge type may
// connect, matching the teacher's guided-extraction contract: the graph
// engine is not free to attach any edge between any two entities.
var EdgeTypeMap = map[string][2]string{
	"WorksFor":     {"Person", "Company"},
	"Supersedes":   {"Finding", "Finding"},
	"Contradicts":  {"Finding", "Finding"},
	"Supports":     {"Finding", "Finding"},
	"ExtractedFrom": {"Finding", "Company"},
	"CompetesWith": {"Company", "Company"},
	"InvestsIn":    {"Company", "Company"},
	"Mentions":     {"Finding", "Person"},
	"Supplies":     {"Company", "Company"},
}
