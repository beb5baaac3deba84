package server

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"weighline/internal/domain"
	"weighline/internal/engine"
	"weighline/internal/queue"
)

// Request payloads

type CreateTicketRequest struct {
	Categories []string `json:"categories" minItems:"1" example:"[\"INF\"]"`
	SiteID     string   `json:"site_id,omitempty" doc:"Defaults to the caller's site"`
	Tier       string   `json:"tier,omitempty" enum:"CRITIQUE,URGENT,NORMAL"`
	Notes      string   `json:"notes,omitempty"`
}

type ActionRequest struct {
	Action string `json:"action" enum:"call,startSales,recordWeighIn,startLoading,finishLoading,recordWeighOut,flagAnomaly,resolveAnomaly,issueDeliveryNote,complete,cancel,transferCategory"`
	// Weight is a decimal string in kilograms.
	Weight   string `json:"weight,omitempty" example:"12500.5"`
	Manual   bool   `json:"manual,omitempty" doc:"Weight was typed in rather than read from the weighbridge"`
	Notes    string `json:"notes,omitempty"`
	Category string `json:"category,omitempty" doc:"Target category prefix of transferCategory"`
}

type PriorityRequest struct {
	Tier string `json:"tier" enum:"CRITIQUE,URGENT,NORMAL"`
}

type CreateAPIKeyRequest struct {
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"ADMINISTRATOR,MANAGER,SUPERVISOR,AGENT_QUAI,AGENT_GUERITE"`
	SiteID    string `json:"site_id,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Role        string   `json:"role" enum:"ADMINISTRATOR,MANAGER,SUPERVISOR,AGENT_QUAI,AGENT_GUERITE"`
	SiteID      string   `json:"site_id,omitempty"`
	CompanyID   string   `json:"company_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type TicketResponse struct {
	ID               string        `json:"id"`
	Number           string        `json:"number"`
	Categories       []string      `json:"categories"`
	SiteID           string        `json:"site_id"`
	WorkflowID       string        `json:"workflow_id"`
	StepID           string        `json:"step_id"`
	Status           domain.Status `json:"status"`
	AnomalyFrom      domain.Status `json:"anomaly_from,omitempty"`
	Tier             domain.Tier   `json:"tier"`
	ArrivedAt        time.Time     `json:"arrived_at"`
	CalledAt         *time.Time    `json:"called_at,omitempty"`
	WeighedInAt      *time.Time    `json:"weighed_in_at,omitempty"`
	LoadingStartedAt *time.Time    `json:"loading_started_at,omitempty"`
	LoadingDoneAt    *time.Time    `json:"loading_done_at,omitempty"`
	WeighedOutAt     *time.Time    `json:"weighed_out_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	WeightIn         string        `json:"weight_in,omitempty"`
	WeightOut        string        `json:"weight_out,omitempty"`
	NetWeight        string        `json:"net_weight,omitempty"`
	WeightInManual   bool          `json:"weight_in_manual"`
	WeightOutManual  bool          `json:"weight_out_manual"`
	CreatedBy        string        `json:"created_by"`
	CalledBy         string        `json:"called_by,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	TransferredFrom  string        `json:"transferred_from,omitempty"`
	TransferredTo    string        `json:"transferred_to,omitempty"`
	Revision         int64         `json:"revision"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type ticketList struct {
	Items []TicketResponse `json:"items"`
}

type ActionResponse struct {
	Ticket TicketResponse `json:"ticket"`
	// Transferred is the closed ticket of a transferCategory action.
	Transferred *TicketResponse `json:"transferred,omitempty"`
}

type QueueMemberResponse struct {
	Position  int           `json:"position"`
	TicketID  string        `json:"ticket_id"`
	Number    string        `json:"number"`
	Tier      domain.Tier   `json:"tier"`
	Status    domain.Status `json:"status"`
	ArrivedAt time.Time     `json:"arrived_at"`
}

type QueueResponse struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	SiteID     string                `json:"site_id"`
	WorkflowID string                `json:"workflow_id"`
	StepCode   string                `json:"step_code"`
	Length     int                   `json:"length"`
	Members    []QueueMemberResponse `json:"members"`
}

type queueList struct {
	Items []QueueResponse `json:"items"`
}

type PeekResponse struct {
	Empty bool                 `json:"empty"`
	Next  *QueueMemberResponse `json:"next,omitempty"`
}

type EventResponse struct {
	ID           int64           `json:"id"`
	TS           string          `json:"ts" format:"date-time"`
	Type         string          `json:"type"`
	SiteID       string          `json:"site_id"`
	TicketID     string          `json:"ticket_id"`
	TicketNumber string          `json:"ticket_number"`
	OldStatus    domain.Status   `json:"old_status,omitempty"`
	NewStatus    domain.Status   `json:"new_status"`
	ActorID      string          `json:"actor_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type workflowList struct {
	Items []domain.Workflow `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string      `json:"actor_id"`
	Role        domain.Role `json:"role"`
	SiteID      string      `json:"site_id,omitempty"`
	CompanyID   string      `json:"company_id,omitempty"`
	Permissions []string    `json:"permissions"`
	Source      string      `json:"source"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func ticketResponse(t domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:               t.ID,
		Number:           t.Number,
		Categories:       nonNilSlice(t.Categories),
		SiteID:           t.SiteID,
		WorkflowID:       t.WorkflowID,
		StepID:           t.StepID,
		Status:           t.Status,
		AnomalyFrom:      t.AnomalyFrom,
		Tier:             t.Tier,
		ArrivedAt:        t.ArrivedAt,
		CalledAt:         t.CalledAt,
		WeighedInAt:      t.WeighedInAt,
		LoadingStartedAt: t.LoadingStartedAt,
		LoadingDoneAt:    t.LoadingDoneAt,
		WeighedOutAt:     t.WeighedOutAt,
		CompletedAt:      t.CompletedAt,
		WeightIn:         decimalString(t.WeightIn),
		WeightOut:        decimalString(t.WeightOut),
		NetWeight:        decimalString(t.NetWeight),
		WeightInManual:   t.WeightInManual,
		WeightOutManual:  t.WeightOutManual,
		CreatedBy:        t.CreatedBy,
		CalledBy:         t.CalledBy,
		Notes:            t.Notes,
		TransferredFrom:  t.TransferredFrom,
		TransferredTo:    t.TransferredTo,
		Revision:         t.Revision,
		UpdatedAt:        t.UpdatedAt,
	}
}

func mapTickets(items []domain.Ticket) []TicketResponse {
	out := make([]TicketResponse, 0, len(items))
	for _, t := range items {
		out = append(out, ticketResponse(t))
	}
	return out
}

func memberResponse(position int, en queue.Entry) QueueMemberResponse {
	return QueueMemberResponse{
		Position:  position,
		TicketID:  en.TicketID,
		Number:    en.Number,
		Tier:      en.Tier,
		Status:    en.Status,
		ArrivedAt: en.ArrivedAt,
	}
}

func queueResponse(v engine.QueueView) QueueResponse {
	out := QueueResponse{
		ID:         v.Queue.ID,
		Name:       v.Queue.Name,
		SiteID:     v.Queue.SiteID,
		WorkflowID: v.Queue.WorkflowID,
		StepCode:   v.StepCode,
		Length:     len(v.Members),
		Members:    make([]QueueMemberResponse, 0, len(v.Members)),
	}
	for _, m := range v.Members {
		out.Members = append(out.Members, memberResponse(m.Position, m.Entry))
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	var payload json.RawMessage
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:           evt.ID,
		TS:           evt.TS,
		Type:         evt.Type,
		SiteID:       evt.SiteID,
		TicketID:     evt.TicketID,
		TicketNumber: evt.TicketNumber,
		OldStatus:    evt.OldStatus,
		NewStatus:    evt.NewStatus,
		ActorID:      evt.ActorID,
		Payload:      payload,
	}
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
