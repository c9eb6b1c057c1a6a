package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// idRegex matches the UUID-or-slug identifiers organizations and deals are
// keyed by upstream; it exists to reject empty or delimiter-breaking values
// before they are composed into a namespace string.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// AllowedContentTypes is the set of MIME types the parse handler accepts.
var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"image/png":  true,
	"image/jpeg": true,
}

// ValidateDocument checks a Document before it is enqueued for parsing.
func ValidateDocument(d Document) error {
	if !idRegex.MatchString(d.OrganizationID) {
		return NewValidationError("organization_id", d.OrganizationID, ErrInvalidNamespace)
	}
	if !idRegex.MatchString(d.DealID) {
		return NewValidationError("deal_id", d.DealID, ErrInvalidNamespace)
	}
	if strings.TrimSpace(d.Name) == "" {
		return NewValidationError("name", d.Name, ErrInvalidDocument)
	}
	if !AllowedContentTypes[d.ContentType] {
		return NewValidationError("content_type", d.ContentType, ErrUnsupportedType)
	}
	return nil
}

// ValidateNamespace checks an organization/deal pair used to compose a
// graph-store namespace or fast-path group id.
func ValidateNamespace(orgID, dealID string) error {
	if !idRegex.MatchString(orgID) {
		return NewValidationError("organization_id", orgID, ErrInvalidNamespace)
	}
	if !idRegex.MatchString(dealID) {
		return NewValidationError("deal_id", dealID, ErrInvalidNamespace)
	}
	return nil
}

// ValidateChunk checks a Chunk before it is persisted or embedded.
func ValidateChunk(c Chunk) error {
	if strings.TrimSpace(c.Content) == "" {
		return NewValidationError("content", c.Content, ErrEmptyChunk)
	}
	if c.TokenCount > ChunkMaxTokens {
		return NewValidationError("token_count", fmt.Sprintf("%d", c.TokenCount), ErrChunkTooLarge)
	}
	return nil
}
