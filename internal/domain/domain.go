package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is a ticket lifecycle status.
type Status string

const (
	StatusWaiting         Status = "EN_ATTENTE"
	StatusCalled          Status = "APPELÉ"
	StatusSales           Status = "EN_VENTE"
	StatusWeighedIn       Status = "PESÉ_ENTRÉE"
	StatusLoading         Status = "EN_CHARGEMENT"
	StatusLoadingDone     Status = "CHARGEMENT_TERMINÉ"
	StatusWeighedOut      Status = "PESÉ_SORTIE"
	StatusDeliveryNote    Status = "BL_GÉNÉRÉ"
	StatusDone            Status = "TERMINÉ"
	StatusWeighingAnomaly Status = "ANOMALIE_PESÉE"
	StatusCancelled       Status = "ANNULÉ"
	StatusTransferred     Status = "TRANSFÉRÉ"
)

// MainPath lists the non-branch statuses in lifecycle order.
var MainPath = []Status{
	StatusWaiting,
	StatusCalled,
	StatusSales,
	StatusWeighedIn,
	StatusLoading,
	StatusLoadingDone,
	StatusWeighedOut,
	StatusDeliveryNote,
	StatusDone,
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusTransferred:
		return true
	}
	return false
}

// Exit reports whether s removes the ticket from every queue without finishing the workflow.
func (s Status) Exit() bool {
	return s == StatusCancelled || s == StatusTransferred
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusCalled, StatusSales, StatusWeighedIn, StatusLoading, StatusLoadingDone,
		StatusWeighedOut, StatusDeliveryNote, StatusDone, StatusWeighingAnomaly, StatusCancelled, StatusTransferred:
		return true
	}
	return false
}

// Tier is a coarse priority class. Lower Rank is served first.
type Tier string

const (
	TierCritical Tier = "CRITIQUE"
	TierUrgent   Tier = "URGENT"
	TierNormal   Tier = "NORMAL"
)

func (t Tier) Rank() int {
	switch t {
	case TierCritical:
		return 0
	case TierUrgent:
		return 1
	default:
		return 2
	}
}

func (t Tier) Valid() bool {
	return t == TierCritical || t == TierUrgent || t == TierNormal
}

// Direction decides how net weight is derived from the two weighings.
type Direction string

const (
	// DirectionLoading: the vehicle arrives empty and leaves loaded (net = out - in).
	DirectionLoading Direction = "loading"
	// DirectionUnloading: the vehicle arrives loaded and leaves empty (net = in - out).
	DirectionUnloading Direction = "unloading"
)

type Role string

const (
	RoleAdministrator Role = "ADMINISTRATOR"
	RoleManager       Role = "MANAGER"
	RoleSupervisor    Role = "SUPERVISOR"
	RoleDockAgent     Role = "AGENT_QUAI"
	RoleGateAgent     Role = "AGENT_GUERITE"
)

type Company struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Site struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Category struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Prefix             string `json:"prefix"`
	CapacityHint       int    `json:"capacity_hint,omitempty"`
	ServiceMinutesHint int    `json:"service_minutes_hint,omitempty"`
}

type Workflow struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	SiteID     string         `json:"site_id"`
	Active     bool           `json:"active"`
	Direction  Direction      `json:"direction"`
	Categories []string       `json:"categories"`
	Steps      []WorkflowStep `json:"steps"`
}

type WorkflowStep struct {
	ID         string   `json:"id"`
	WorkflowID string   `json:"workflow_id"`
	Order      int      `json:"order"`
	Code       string   `json:"code"`
	QueueID    string   `json:"queue_id,omitempty"`
	IsInitial  bool     `json:"is_initial"`
	IsFinal    bool     `json:"is_final"`
	Statuses   []Status `json:"statuses"`
	Guard      string   `json:"guard,omitempty"`
}

type Queue struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	SiteID         string `json:"site_id"`
	WorkflowID     string `json:"workflow_id"`
	PriorityWeight int    `json:"priority_weight"`
}

type Ticket struct {
	ID               string           `json:"id"`
	Number           string           `json:"number"`
	Categories       []string         `json:"categories"`
	SiteID           string           `json:"site_id"`
	WorkflowID       string           `json:"workflow_id"`
	StepID           string           `json:"step_id"`
	Status           Status           `json:"status"`
	AnomalyFrom      Status           `json:"anomaly_from,omitempty"`
	Tier             Tier             `json:"tier"`
	ArrivedAt        time.Time        `json:"arrived_at"`
	QueueSeq         uint64           `json:"queue_seq"`
	CalledAt         *time.Time       `json:"called_at,omitempty"`
	WeighedInAt      *time.Time       `json:"weighed_in_at,omitempty"`
	LoadingStartedAt *time.Time       `json:"loading_started_at,omitempty"`
	LoadingDoneAt    *time.Time       `json:"loading_done_at,omitempty"`
	WeighedOutAt     *time.Time       `json:"weighed_out_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	WeightIn         *decimal.Decimal `json:"weight_in,omitempty"`
	WeightOut        *decimal.Decimal `json:"weight_out,omitempty"`
	NetWeight        *decimal.Decimal `json:"net_weight,omitempty"`
	WeightInManual   bool             `json:"weight_in_manual"`
	WeightOutManual  bool             `json:"weight_out_manual"`
	CreatedBy        string           `json:"created_by"`
	CalledBy         string           `json:"called_by,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	TransferredFrom  string           `json:"transferred_from,omitempty"`
	TransferredTo    string           `json:"transferred_to,omitempty"`
	Revision         int64            `json:"revision"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Actor is an already-authenticated caller.
type Actor struct {
	ID          string   `json:"id"`
	Role        Role     `json:"role"`
	SiteID      string   `json:"site_id"`
	CompanyID   string   `json:"company_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Event is one row of the outbound ticket event log.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	SiteID       string `json:"site_id"`
	TicketID     string `json:"ticket_id"`
	TicketNumber string `json:"ticket_number"`
	OldStatus    Status `json:"old_status,omitempty"`
	NewStatus    Status `json:"new_status"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActorRecord is a persisted actor identity used by API keys.
type ActorRecord struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	SiteID    string `json:"site_id"`
	CompanyID string `json:"company_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
