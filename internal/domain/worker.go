package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ComputeNode describes a worker process that executes fragment instances.
type ComputeNode struct {
	ID       int64  `json:"id" yaml:"id"`
	Host     string `json:"host" yaml:"host"`
	RPCPort  int    `json:"rpc_port" yaml:"rpc_port"`
	HTTPPort int    `json:"http_port,omitempty" yaml:"http_port"`
	Alive    bool   `json:"alive" yaml:"alive"`
}

// Address is the host:port the coordinator dials for RPCs.
func (n *ComputeNode) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.RPCPort))
}

// HTTPAddress is the host:port of the worker's HTTP service, if any.
func (n *ComputeNode) HTTPAddress() string {
	if n.HTTPPort == 0 {
		return ""
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(n.HTTPPort))
}

func (n *ComputeNode) String() string {
	return fmt.Sprintf("backend %d (%s)", n.ID, n.Address())
}

// ParseComputeNode parses "id=host:port".
func ParseComputeNode(s string) (*ComputeNode, error) {
	idPart, addr, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok || idPart == "" || addr == "" {
		return nil, ErrValidation("worker %q must look like id=host:port", s)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil, ErrValidation("worker %q: invalid id: %v", s, err)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, ErrValidation("worker %q: %v", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, ErrValidation("worker %q: invalid port: %v", s, err)
	}
	return &ComputeNode{ID: id, Host: host, RPCPort: port, Alive: true}, nil
}
