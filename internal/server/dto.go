package server

import (
	"taskledger/internal/backfill"
	"taskledger/internal/domain"
	"taskledger/internal/engine"
	"taskledger/internal/webhook"
)

// Request payloads

type BackfillRequest struct {
	Limit  int    `json:"limit,omitempty" minimum:"0" doc:"Signatures to scan; 0 uses the server default"`
	Before string `json:"before,omitempty" doc:"Resume scanning below this signature"`
}

type StoreDescriptionRequest struct {
	DescriptionHash string  `json:"descriptionHash" minLength:"64" maxLength:"64" doc:"Hex SHA-256 of content"`
	Content         string  `json:"content" minLength:"1"`
	TaskAddress     *string `json:"taskAddress,omitempty"`
	Creator         *string `json:"creator,omitempty"`
}

type StoreDeliverableRequest struct {
	DeliverableHash string  `json:"deliverableHash" minLength:"64" maxLength:"64" doc:"Hex SHA-256 of content"`
	Content         string  `json:"content" minLength:"1"`
	TaskAddress     *string `json:"taskAddress,omitempty"`
	Agent           *string `json:"agent,omitempty"`
}

// Response payloads

type WebhookResponse struct {
	OK bool `json:"ok"`
	webhook.Result
}

type StatusResponse = engine.Stats

type EventsResponse struct {
	Events []domain.RawEvent `json:"events"`
	Limit  int               `json:"limit"`
}

type BackfillResponse = backfill.Result

type HistoryResponse = engine.HistoryPage

type TaskDetailResponse = engine.TaskDetail

func toDescription(req StoreDescriptionRequest) domain.TaskDescription {
	return domain.TaskDescription{
		DescriptionHash: req.DescriptionHash,
		Content:         req.Content,
		TaskAddress:     req.TaskAddress,
		Creator:         req.Creator,
	}
}

func toDeliverable(req StoreDeliverableRequest) domain.Deliverable {
	return domain.Deliverable{
		DeliverableHash: req.DeliverableHash,
		Content:         req.Content,
		TaskAddress:     req.TaskAddress,
		Agent:           req.Agent,
	}
}

func nonNilEvents(items []domain.RawEvent) []domain.RawEvent {
	if items == nil {
		return []domain.RawEvent{}
	}
	return items
}
