// Package models provides data model definitions for the reliefsync engine.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AssessmentPayload is a field assessment of an affected entity.
type AssessmentPayload struct {
	AssessmentType     string            `json:"assessment_type"` // HEALTH, WASH, SHELTER, FOOD, SECURITY, POPULATION
	AffectedEntityID   string            `json:"affected_entity_id"`
	IncidentID         string            `json:"incident_id,omitempty"`
	AssessmentDate     time.Time         `json:"assessment_date"`
	AffectedPersons    int               `json:"affected_persons,omitempty"`
	Status             string            `json:"status,omitempty"`              // DRAFT, SUBMITTED
	VerificationStatus string            `json:"verification_status,omitempty"` // PENDING, VERIFIED, REJECTED
	Answers            map[string]string `json:"answers,omitempty"`
	Notes              string            `json:"notes,omitempty"`
}

// DeliveredItem is one line of a response delivery.
type DeliveredItem struct {
	Name     string  `json:"name"`
	Unit     string  `json:"unit"`
	Quantity float64 `json:"quantity"`
}

// ResponsePayload is a planned or delivered response to an assessment.
type ResponsePayload struct {
	ResponseType       string          `json:"response_type"`
	AssessmentID       string          `json:"assessment_id,omitempty"`
	AffectedEntityID   string          `json:"affected_entity_id"`
	Status             string          `json:"status,omitempty"` // PLANNED, IN_PROGRESS, DELIVERED
	PlannedDate        time.Time       `json:"planned_date"`
	DeliveredDate      *time.Time      `json:"delivered_date,omitempty"`
	Items              []DeliveredItem `json:"items,omitempty"`
	VerificationStatus string          `json:"verification_status,omitempty"`
	Notes              string          `json:"notes,omitempty"`
}

// MediaPayload is an evidence attachment (photo, document) captured offline.
type MediaPayload struct {
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum,omitempty"`
	AssessmentID string `json:"assessment_id,omitempty"`
	ResponseID   string `json:"response_id,omitempty"`
	URL          string `json:"url,omitempty"`
}

// IncidentPayload is a reported disaster incident.
type IncidentPayload struct {
	IncidentType      string    `json:"incident_type"` // FLOOD, FIRE, CONFLICT, DISEASE_OUTBREAK, ...
	Severity          string    `json:"severity,omitempty"`
	Status            string    `json:"status,omitempty"`
	Description       string    `json:"description,omitempty"`
	AffectedEntityIDs []string  `json:"affected_entity_ids,omitempty"`
	ReportedAt        time.Time `json:"reported_at"`
}

// EntityPayload is an affected location such as a camp or community.
type EntityPayload struct {
	Kind      string  `json:"kind"` // CAMP, COMMUNITY
	Name      string  `json:"name"`
	LGA       string  `json:"lga,omitempty"`
	Ward      string  `json:"ward,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Payload is a tagged union over the typed bodies of each entity type.
// Exactly one body matching Type is set on a valid payload.
type Payload struct {
	Type       EntityType
	Assessment *AssessmentPayload
	Response   *ResponsePayload
	Media      *MediaPayload
	Incident   *IncidentPayload
	Entity     *EntityPayload
}

// NewPayload wraps a typed body. Unknown body types produce an empty payload
// that fails Validate.
func NewPayload(body any) Payload {
	switch b := body.(type) {
	case AssessmentPayload:
		return Payload{Type: EntityAssessment, Assessment: &b}
	case *AssessmentPayload:
		return Payload{Type: EntityAssessment, Assessment: b}
	case ResponsePayload:
		return Payload{Type: EntityResponse, Response: &b}
	case *ResponsePayload:
		return Payload{Type: EntityResponse, Response: b}
	case MediaPayload:
		return Payload{Type: EntityMedia, Media: &b}
	case *MediaPayload:
		return Payload{Type: EntityMedia, Media: b}
	case IncidentPayload:
		return Payload{Type: EntityIncident, Incident: &b}
	case *IncidentPayload:
		return Payload{Type: EntityIncident, Incident: b}
	case EntityPayload:
		return Payload{Type: EntityEntity, Entity: &b}
	case *EntityPayload:
		return Payload{Type: EntityEntity, Entity: b}
	}
	return Payload{}
}

// Body returns the typed body matching Type, or nil.
func (p Payload) Body() any {
	switch p.Type {
	case EntityAssessment:
		if p.Assessment != nil {
			return p.Assessment
		}
	case EntityResponse:
		if p.Response != nil {
			return p.Response
		}
	case EntityMedia:
		if p.Media != nil {
			return p.Media
		}
	case EntityIncident:
		if p.Incident != nil {
			return p.Incident
		}
	case EntityEntity:
		if p.Entity != nil {
			return p.Entity
		}
	}
	return nil
}

// IsZero reports whether the payload carries no body.
func (p Payload) IsZero() bool {
	return p.Type == "" && p.Assessment == nil && p.Response == nil &&
		p.Media == nil && p.Incident == nil && p.Entity == nil
}

// Validate checks that exactly one body is set and that it matches Type.
func (p Payload) Validate() error {
	if !p.Type.Valid() {
		return fmt.Errorf("unknown payload type %q", p.Type)
	}
	set := 0
	for _, b := range []bool{p.Assessment != nil, p.Response != nil, p.Media != nil, p.Incident != nil, p.Entity != nil} {
		if b {
			set++
		}
	}
	if set != 1 || p.Body() == nil {
		return fmt.Errorf("payload of type %s must carry exactly one matching body", p.Type)
	}
	return nil
}

// HealthEmergency reports whether the body is classified as a health emergency.
func (p Payload) HealthEmergency() bool {
	switch {
	case p.Assessment != nil:
		return p.Assessment.AssessmentType == "HEALTH"
	case p.Response != nil:
		return p.Response.ResponseType == "HEALTH"
	case p.Incident != nil:
		return p.Incident.IncidentType == "DISEASE_OUTBREAK" || p.Incident.IncidentType == "EPIDEMIC"
	}
	return false
}

type payloadEnvelope struct {
	Type EntityType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the payload as {"type": ..., "data": {...}}.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("null"), nil
	}
	data, err := json.Marshal(p.Body())
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Type: p.Type, Data: data})
}

// UnmarshalJSON decodes the {"type": ..., "data": {...}} envelope into the typed body.
func (p *Payload) UnmarshalJSON(b []byte) error {
	*p = Payload{}
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}

	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return errors.New("payload data is required")
	}

	var body any
	switch env.Type {
	case EntityAssessment:
		body = &AssessmentPayload{}
	case EntityResponse:
		body = &ResponsePayload{}
	case EntityMedia:
		body = &MediaPayload{}
	case EntityIncident:
		body = &IncidentPayload{}
	case EntityEntity:
		body = &EntityPayload{}
	default:
		return fmt.Errorf("unknown payload type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, body); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	*p = NewPayload(body)
	return nil
}

// Fields returns the first-level JSON fields of the body. Values are compacted
// JSON so two payloads can be compared field by field.
func (p Payload) Fields() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	body := p.Body()
	if body == nil {
		return out
	}
	data, err := json.Marshal(body)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	if p.IsZero() {
		return Payload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return p
	}
	return out
}
