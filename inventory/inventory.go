// Package inventory looks up the mesh nodes that can be surveyed.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTargetUnknown = errors.New("target node unknown")
	ErrExists        = errors.New("node already exists")
)

type Role int

const (
	RoleRepeater Role = 0
	RoleClient   Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleRepeater:
		return "repeater"
	case RoleClient:
		return "client"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "repeater":
		return RoleRepeater, nil
	case "client":
		return RoleClient, nil
	}
	return 0, fmt.Errorf("unknown role %q, pick one of: repeater, client", s)
}

// Node is a mesh device, normally a fixed repeater.
type Node struct {
	ID           int64  `json:"id"`
	MeshIdentity string `json:"meshIdentity"`
	PublicKey    string `json:"publicKey,omitempty"`
	Name         string `json:"name"`
	Role         Role   `json:"role"`

	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	// EstimatedRange is the expected coverage radius in meters.
	EstimatedRange int `json:"estimatedRange"`

	Active    bool      `json:"active"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

func (n *Node) String() string {
	if n.Name != "" {
		return n.Name
	}
	return n.MeshIdentity
}

type ListOptions struct {
	// Role filters by role when set.
	Role *Role
	// ActiveOnly hides nodes marked inactive.
	ActiveOnly bool
}

type Inventory interface {
	Lookup(ctx context.Context, id int64) (*Node, error)
	List(ctx context.Context, opts ListOptions) ([]Node, error)
	Add(ctx context.Context, n *Node) (int64, error)
}

// Target resolves id to a node that can be surveyed. Unknown and inactive
// nodes both yield ErrTargetUnknown.
func Target(ctx context.Context, inv Inventory, id int64) (*Node, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: invalid id %d", ErrTargetUnknown, id)
	}
	n, err := inv.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !n.Active {
		return nil, fmt.Errorf("%w: node %d (%s) is inactive", ErrTargetUnknown, id, n)
	}
	return n, nil
}
