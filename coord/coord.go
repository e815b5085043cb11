// Package coord talks to the external coordination service that provides
// cluster membership, controller discovery, and control messaging.
package coord

import (
	"context"

	"github.com/google/uuid"
)

// Wildcard matches any value in a criteria field.
const Wildcard = "%"

// Roles a message recipient can hold within the coordination service.
const (
	RoleController  = "controller"
	RoleParticipant = "participant"
	RoleSpectator   = "spectator"
)

// Kind is the type of a control message.
type Kind string

const KindShutdown Kind = "SHUTDOWN"

// Message is a control message routed by the coordination service.
type Message struct {
	Kind          Kind   `json:"kind"`
	SubType       string `json:"subType,omitempty"`
	CorrelationID string `json:"correlationId"`
	SessionScope  string `json:"sessionScope,omitempty"`
}

// NewShutdownMessage builds the cluster-master shutdown request. Each call
// carries a fresh correlation id.
func NewShutdownMessage() Message {
	return Message{
		Kind:          KindShutdown,
		SubType:       "cluster_master_shutdown",
		CorrelationID: uuid.NewString(),
		SessionScope:  "*",
	}
}

// Criteria selects the recipients of a message. Fields set to Wildcard match
// any instance, resource, or partition.
type Criteria struct {
	InstanceName    string `json:"instanceName"`
	Resource        string `json:"resource"`
	Partition       string `json:"partition"`
	PartitionState  string `json:"partitionState"`
	RecipientRole   string `json:"recipientRole"`
	SessionSpecific bool   `json:"sessionSpecific"`
}

// ControllerCriteria matches the cluster controller in the current session,
// regardless of instance, resource, or partition.
func ControllerCriteria() Criteria {
	return Criteria{
		InstanceName:    Wildcard,
		Resource:        Wildcard,
		Partition:       Wildcard,
		PartitionState:  Wildcard,
		RecipientRole:   RoleController,
		SessionSpecific: true,
	}
}

// Manager is the launcher's handle on the coordination service.
type Manager interface {
	// Connect performs the membership handshake. It does not retry; a cluster
	// cannot operate without this dependency.
	Connect(ctx context.Context) error

	// Disconnect tears down the membership session. Idempotent.
	Disconnect() error

	IsConnected() bool

	// FindController reports the cluster id of a live controller registered
	// under the given cluster name, or "" when there is none.
	FindController(ctx context.Context, clusterName string) (string, error)

	// Send delivers the message to all members matching the criteria and
	// returns the number of recipients. Zero recipients is not an error.
	Send(ctx context.Context, criteria Criteria, msg Message) (int, error)
}
