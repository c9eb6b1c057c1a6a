package retry

import (
	"errors"
	"testing"

	"github.com/dealdocs/pipeline/engine/domain"
)

func TestClassify_RateLimit(t *testing.T) {
	ce := Classify(errors.New("429 Too Many Requests"), domain.StageEmbedded, 1)
	if ce.Kind != domain.ErrorKindRateLimit || !ce.Retryable {
		t.Fatalf("expected retryable rate_limit, got %+v", ce)
	}
}

func TestClassify_GraphConnection(t *testing.T) {
	ce := Classify(errors.New("failed to reach Neo4j instance"), domain.StageGraphitiIngested, 1)
	if ce.Kind != domain.ErrorKindGraphConnection || !ce.Retryable {
		t.Fatalf("expected retryable graph_connection, got %+v", ce)
	}
}

func TestClassify_Network(t *testing.T) {
	ce := Classify(errors.New("dial tcp: i/o timeout"), domain.StageParsed, 2)
	if ce.Kind != domain.ErrorKindNetwork {
		t.Fatalf("expected network, got %+v", ce)
	}
}

func TestClassify_LLMService(t *testing.T) {
	ce := Classify(errors.New("upstream returned 503 service unavailable"), domain.StageAnalyzed, 1)
	if ce.Kind != domain.ErrorKindLLMService {
		t.Fatalf("expected llm_service, got %+v", ce)
	}
}

func TestClassify_PasswordProtected(t *testing.T) {
	ce := Classify(errors.New("the PDF is password protected"), domain.StageParsed, 1)
	if ce.Kind != domain.ErrorKindParsingPasswordProtected || ce.Retryable {
		t.Fatalf("expected non-retryable password_protected, got %+v", ce)
	}
}

func TestClassify_PasswordWithoutProtectOrEncrypt(t *testing.T) {
	// "password" alone, with neither "protect" nor "encrypt", falls through
	// to the generic bucket rather than being misclassified.
	ce := Classify(errors.New("invalid password supplied"), domain.StageParsed, 1)
	if ce.Kind == domain.ErrorKindParsingPasswordProtected {
		t.Fatalf("did not expect password_protected classification, got %+v", ce)
	}
}

func TestClassify_Corrupted(t *testing.T) {
	ce := Classify(errors.New("the workbook appears corrupt"), domain.StageParsed, 1)
	if ce.Kind != domain.ErrorKindParsingCorrupted || ce.Retryable {
		t.Fatalf("expected non-retryable corrupted, got %+v", ce)
	}
}

func TestClassify_UnsupportedType(t *testing.T) {
	ce := Classify(errors.New("unsupported file format .xyz"), domain.StageParsed, 1)
	if ce.Kind != domain.ErrorKindParsingUnsupportedType || ce.Retryable {
		t.Fatalf("expected non-retryable unsupported_type, got %+v", ce)
	}
}

func TestClassify_Fallback(t *testing.T) {
	ce := Classify(errors.New("something unexpected happened"), domain.StageAnalyzed, 1)
	if ce.Kind != domain.ErrorKindUnknown || !ce.Retryable {
		t.Fatalf("expected retryable unknown fallback, got %+v", ce)
	}
	if ce.Message != "Something went wrong. Please try again." {
		t.Fatalf("unexpected fallback message: %q", ce.Message)
	}
}

func TestClassify_Nil(t *testing.T) {
	if Classify(nil, domain.StageParsed, 1) != nil {
		t.Fatal("expected nil for nil error")
	}
}
