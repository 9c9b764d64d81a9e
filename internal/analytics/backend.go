package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gustycube/sensorwatch/internal/rpc"
)

// Backend tool names.
const (
	ToolTrafficAnalytics = "get_traffic_analytics"
	ToolSearchByAddress  = "search_logs_by_ip"
	ToolSearchByCountry  = "search_logs_by_country"
)

// ErrShape means a backend result did not have the structure its query kind promises.
var ErrShape = errors.New("unexpected result shape")

// Group is one named bucket of a grouped query.
type Group struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// GroupReply is the typed result of a grouped traffic query.
type GroupReply struct {
	Dimension     Dimension `json:"-"`
	TotalRequests int64     `json:"total_requests"`
	UniqueIPs     int64     `json:"unique_ips"`
	TimeRange     string    `json:"time_range"`
	Groups        []Group   `json:"groups"`
}

// LogEntry is one sensor hit.
type LogEntry struct {
	Timestamp   string  `json:"timestamp"`
	IP          string  `json:"ip"`
	Sensor      string  `json:"sensor"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	City        string  `json:"city"`
	ISP         string  `json:"isp"`
}

// Backend is the query surface the aggregator needs.
type Backend interface {
	Handshake(ctx context.Context) error
	TrafficByGroup(ctx context.Context, dim Dimension, window Window, limit int) (*GroupReply, error)
	SearchByAddress(ctx context.Context, cidr string, window Window, limit int) ([]LogEntry, error)
	SearchByCountry(ctx context.Context, country string, window Window, limit int) ([]LogEntry, error)
}

// RPCBackend implements Backend over the protocol client.
type RPCBackend struct {
	client *rpc.Client
}

func NewRPCBackend(c *rpc.Client) *RPCBackend { return &RPCBackend{client: c} }

func (b *RPCBackend) Handshake(ctx context.Context) error {
	_, _, err := b.client.Handshake(ctx)
	return err
}

func (b *RPCBackend) TrafficByGroup(ctx context.Context, dim Dimension, window Window, limit int) (*GroupReply, error) {
	if dim == DimAddress {
		return nil, fmt.Errorf("%s cannot be grouped by the backend", dim)
	}
	raw, err := b.client.CallTool(ctx, ToolTrafficAnalytics, map[string]any{
		"time_range":  window.String(),
		"group_by":    string(dim),
		"limit":       limit,
		"max_results": limit * 100,
	}, rpc.Bulk())
	if err != nil {
		return nil, err
	}
	return DecodeGroupReply(dim, raw)
}

func (b *RPCBackend) SearchByAddress(ctx context.Context, cidr string, window Window, limit int) ([]LogEntry, error) {
	args := map[string]any{"time_range": window.String(), "limit": limit, "max_results": limit}
	if strings.Contains(cidr, "/") {
		args["ip_range"] = cidr
	} else {
		args["ip_address"] = cidr
	}
	raw, err := b.client.CallTool(ctx, ToolSearchByAddress, args, rpc.Bulk())
	if err != nil {
		return nil, err
	}
	return DecodeEntries(raw)
}

func (b *RPCBackend) SearchByCountry(ctx context.Context, country string, window Window, limit int) ([]LogEntry, error) {
	args := map[string]any{"time_range": window.String(), "limit": limit, "max_results": limit}
	if len(country) == 2 && strings.ToUpper(country) == country {
		args["country_code"] = country
	} else {
		args["country"] = country
	}
	raw, err := b.client.CallTool(ctx, ToolSearchByCountry, args)
	if err != nil {
		return nil, err
	}
	return DecodeEntries(raw)
}

// DecodeGroupReply reads a grouped traffic result. The buckets live under "top_<dimension>";
// a missing total or bucket list, or buckets that add up to more than the total, fail closed.
func DecodeGroupReply(dim Dimension, raw json.RawMessage) (*GroupReply, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s reply is not an object", ErrShape, dim)
	}
	reply := &GroupReply{Dimension: dim}

	totalRaw, ok := fields["total_requests"]
	if !ok || json.Unmarshal(totalRaw, &reply.TotalRequests) != nil || reply.TotalRequests < 0 {
		return nil, fmt.Errorf("%w: %s reply has no usable total_requests", ErrShape, dim)
	}
	if v, ok := fields["unique_ips"]; ok {
		_ = json.Unmarshal(v, &reply.UniqueIPs)
	}
	if v, ok := fields["time_range"]; ok {
		_ = json.Unmarshal(v, &reply.TimeRange)
	}

	groupsRaw, ok := fields["top_"+string(dim)]
	if !ok {
		return nil, fmt.Errorf("%w: %s reply has no top_%s list", ErrShape, dim, dim)
	}
	if err := json.Unmarshal(groupsRaw, &reply.Groups); err != nil {
		return nil, fmt.Errorf("%w: %s buckets: %v", ErrShape, dim, err)
	}
	var sum int64
	for _, g := range reply.Groups {
		if g.Count < 0 {
			return nil, fmt.Errorf("%w: %s bucket %q has negative count", ErrShape, dim, g.Name)
		}
		sum += g.Count
	}
	if sum > reply.TotalRequests {
		return nil, fmt.Errorf("%w: %s buckets sum to %d, more than total %d", ErrShape, dim, sum, reply.TotalRequests)
	}
	return reply, nil
}

// DecodeEntries reads a list of log rows.
func DecodeEntries(raw json.RawMessage) ([]LogEntry, error) {
	var rows []LogEntry
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: log rows: %v", ErrShape, err)
	}
	return rows, nil
}
