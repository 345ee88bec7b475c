package types

import (
	"errors"

	"k8s.io/utils/set"
)

// --- Core Domain Types ---

// SessionIdType identifies a simulation session.
type SessionIdType string

// ClientIdType represents a unique identifier for a client connection.
type ClientIdType string

// RoomIdType represents a unique identifier for a signaling room.
type RoomIdType string

// DocIdType identifies a collaborative document, derived from
// (workspace, path).
type DocIdType string

// NodeIdType identifies a server instance in the cluster.
type NodeIdType string

// RoleType defines the different roles a client can have in a room.
type RoleType string

// Role constants for signaling rooms.
const (
	RoleTypeViewer      RoleType = "viewer"      // Receives frames and presence only
	RoleTypeBroadcaster RoleType = "broadcaster" // Publishes media/frames
	RoleTypeEditor      RoleType = "editor"      // May mutate shared documents
	RoleTypeUnknown     RoleType = "unknown"     // Default/Unknown state
)

var validRoles = set.New(RoleTypeViewer, RoleTypeBroadcaster, RoleTypeEditor)

// ValidRole reports whether r is one of the accepted room roles.
func ValidRole(r RoleType) bool {
	return validRoles.Has(r)
}

// EngineKind selects the physics backend for a session.
type EngineKind string

const (
	EngineMuJoCo   EngineKind = "mujoco"
	EnginePyBullet EngineKind = "pybullet"
)

// ValidEngine reports whether k names a known engine.
func ValidEngine(k EngineKind) bool {
	return k == EngineMuJoCo || k == EnginePyBullet
}

// SessionStatus is the lifecycle state of a simulation session.
// Created -> Running <-> Paused -> Terminated. Terminated is absorbing;
// Degraded is an orthogonal flag carried alongside Running.
type SessionStatus string

const (
	SessionCreated    SessionStatus = "created"
	SessionRunning    SessionStatus = "running"
	SessionPaused     SessionStatus = "paused"
	SessionTerminated SessionStatus = "terminated"
)

// ClientInfo is the participant shape returned to signaling peers.
type ClientInfo struct {
	ClientId ClientIdType `json:"clientId"`
	Role     RoleType     `json:"role"`
	NodeId   NodeIdType   `json:"nodeId,omitempty"`
}

// Validate ensures the info is safe to index in the substrate.
func (c ClientInfo) Validate() error {
	if c.ClientId == "" {
		return errors.New("client ID cannot be empty")
	}
	if !ValidRole(c.Role) {
		return errors.New("unknown role")
	}
	return nil
}
