package domain

import "strings"

// IngestRequest describes a document to ingest into a deal.
// ValidateIngestRequest is the gate a request must pass before a Document
// row and parse job are created.
type IngestRequest struct {
	OrganizationID string `json:"organization_id"`
	DealID         string `json:"deal_id"`
	Name           string `json:"name"`
	ContentType    string `json:"content_type"`
	SourceURL      string `json:"source_url"`
}

// ValidateIngestRequest checks a webhook ingest request before a Document
// row is created for it.
func ValidateIngestRequest(req IngestRequest) error {
	if err := ValidateNamespace(req.OrganizationID, req.DealID); err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return NewValidationError("name", req.Name, ErrInvalidDocument)
	}
	if !AllowedContentTypes[req.ContentType] {
		return NewValidationError("content_type", req.ContentType, ErrUnsupportedType)
	}
	if strings.TrimSpace(req.SourceURL) == "" {
		return NewValidationError("source_url", req.SourceURL, ErrInvalidDocument)
	}
	return nil
}

// ToDocument builds a pending Document from a validated IngestRequest. id
// is supplied by the caller and timestamps are left zero, keeping this
// package free of clock and id-generator dependencies.
func (req IngestRequest) ToDocument(id string) Document {
	return Document{
		ID:             id,
		OrganizationID: req.OrganizationID,
		DealID:         req.DealID,
		Name:           req.Name,
		ContentType:    req.ContentType,
		SourceURL:      req.SourceURL,
		Status:         StatusPending,
	}
}
