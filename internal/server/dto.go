package server

import (
	"encoding/json"

	"servline/internal/domain"
)

// Envelope is the response wrapper every endpoint returns. Errors use the
// same shape with success=false and a message.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func okEnvelope[T any](data T) Envelope[T] {
	return Envelope[T]{Success: true, Data: data}
}

type LocationPayload struct {
	Street string `json:"street" example:"123 Main St"`
	City   string `json:"city" example:"Springfield"`
	State  string `json:"state" minLength:"2" maxLength:"2" example:"IL"`
}

type CreateRequestRequest struct {
	FulfillerID            string          `json:"fulfillerId"`
	Category               string          `json:"category" example:"plumbing"`
	Title                  string          `json:"title"`
	Description            string          `json:"description"`
	Location               LocationPayload `json:"location"`
	RequestedDate          string          `json:"requestedDate" example:"2026-09-15"`
	EstimatedDurationHours *float64        `json:"estimatedDurationHours,omitempty"`
	Price                  *float64        `json:"price,omitempty"`
}

type AcceptRequest struct {
	NegotiatedPrice *float64 `json:"negotiatedPrice,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type RequestResponse struct {
	ID                     string          `json:"id"`
	RequesterID            string          `json:"requesterId"`
	FulfillerID            string          `json:"fulfillerId"`
	Category               string          `json:"category"`
	Title                  string          `json:"title"`
	Description            string          `json:"description"`
	Location               LocationPayload `json:"location"`
	RequestedDate          string          `json:"requestedDate"`
	EstimatedDurationHours *float64        `json:"estimatedDurationHours,omitempty"`
	Price                  *float64        `json:"price,omitempty"`
	NegotiatedPrice        *float64        `json:"negotiatedPrice,omitempty"`
	Status                 string          `json:"status"`
	StatusReason           *string         `json:"statusReason,omitempty"`
	CreatedAt              string          `json:"createdAt"`
	UpdatedAt              string          `json:"updatedAt"`
}

type EventResponse struct {
	ID        int64           `json:"id"`
	TS        string          `json:"ts"`
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	ActorID   string          `json:"actorId"`
	Payload   json.RawMessage `json:"payload"`
}

type WhoAmIResponse struct {
	UserID string `json:"userId"`
	Source string `json:"source"`
}

type DevLoginRequest struct {
	UserID string `json:"userId"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func requestResponse(r domain.Request) RequestResponse {
	return RequestResponse{
		ID:          r.ID,
		RequesterID: r.RequesterID,
		FulfillerID: r.FulfillerID,
		Category:    r.Category,
		Title:       r.Title,
		Description: r.Description,
		Location: LocationPayload{
			Street: r.Location.Street,
			City:   r.Location.City,
			State:  r.Location.State,
		},
		RequestedDate:          r.RequestedDate,
		EstimatedDurationHours: r.EstimatedDurationHours,
		Price:                  r.Price,
		NegotiatedPrice:        r.NegotiatedPrice,
		Status:                 r.Status,
		StatusReason:           r.StatusReason,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	out := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		out = append(out, requestResponse(r))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
		Payload:   payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
