package models

import (
	"errors"
	"time"
)

// ErrNodeNameRequired is returned by HeartbeatRequest.Validate when the
// report carries no node identity.
var ErrNodeNameRequired = errors.New("node_name is required")

// Node is the latest known state of a reporting storage host.
type Node struct {
	NodeName       string    `json:"node_name"`
	ZpoolName      *string   `json:"zpool_name"`
	TotalSpace     *int64    `json:"total_space"`
	AvailableSpace *int64    `json:"available_space"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// HeartbeatRequest is the body of POST /heartbeat. Fields are pointers so
// that an absent field can be told apart from a zero value.
type HeartbeatRequest struct {
	NodeName       *string `json:"node_name"`
	ZpoolName      *string `json:"zpool_name"`
	TotalSpace     *int64  `json:"total_space"`
	AvailableSpace *int64  `json:"available_space"`
}

// Validate checks field presence only. Capacity values are not range checked
// and available_space may exceed total_space.
func (r *HeartbeatRequest) Validate() error {
	if r.NodeName == nil || *r.NodeName == "" {
		return ErrNodeNameRequired
	}
	return nil
}

// Node converts a validated request into the row it upserts. LastHeartbeat
// is left zero; the store stamps it at write time.
func (r *HeartbeatRequest) Node() *Node {
	n := &Node{
		ZpoolName:      r.ZpoolName,
		TotalSpace:     r.TotalSpace,
		AvailableSpace: r.AvailableSpace,
	}
	if r.NodeName != nil {
		n.NodeName = *r.NodeName
	}
	return n
}
