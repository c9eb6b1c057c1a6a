package graphingest

import (
	"context"
	"testing"

	"github.com/dealdocs/pipeline/engine/domain"
)

type fakeCompleter struct {
	response string
	err      error
}

func (f fakeCompleter) Complete(context.Context, string) (string, error) {
	return f.response, f.err
}

func TestLLMEngine_AddEpisode_ParsesStructuredResponse(t *testing.T) {
	e := NewLLMEngine(fakeCompleter{response: "Here you go:\n```json\n" +
		`{"entities":[{"name":"Acme Corp","type":"company"}],` +
		`"facts":[{"name":"revenue-fact","type":"mentions","from":"Acme Corp","to":"Acme Corp","assertion":"Revenue was $5M","confidence":90}]}` +
		"\n```"})

	entities, facts, err := e.AddEpisode(context.Background(), domain.Episode{
		Namespace:   "org1:deal1",
		Content:     "Acme Corp reported revenue of $5M.",
		EntityTypes: EntityTypes,
		EdgeTypes:   EdgeTypes,
		EdgeTypeMap: EdgeTypeMap,
	})
	if err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}
	if len(entities) != 1 || entities[0].Name != "Acme Corp" || entities[0].Namespace != "org1:deal1" {
		t.Fatalf("unexpected entities: %+v", entities)
	}
	if len(facts) != 1 || facts[0].Confidence != 0.9 || facts[0].From != entities[0].ID {
		t.Fatalf("unexpected facts: %+v", facts)
	}
}

func TestLLMEngine_AddEpisode_UnparsableResponseYieldsNothing(t *testing.T) {
	e := NewLLMEngine(fakeCompleter{response: "no structured data here"})
	entities, facts, err := e.AddEpisode(context.Background(), domain.Episode{Namespace: "org1:deal1", Content: "x"})
	if err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}
	if len(entities) != 0 || len(facts) != 0 {
		t.Fatalf("expected no entities/facts, got %+v %+v", entities, facts)
	}
}

func TestLLMEngine_AddEpisode_PropagatesCompleterError(t *testing.T) {
	e := NewLLMEngine(fakeCompleter{err: context.DeadlineExceeded})
	if _, _, err := e.AddEpisode(context.Background(), domain.Episode{}); err == nil {
		t.Fatal("expected error")
	}
}
