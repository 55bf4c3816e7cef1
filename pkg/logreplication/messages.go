package logreplication

import (
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/rpcwire"
)

// DescribeStorageRequest names the endpoint a remote materializer wants to
// mirror.
type DescribeStorageRequest struct {
	Endpoint string
}

// DescribeStorageResponse is a storage descriptor suitable for mirroring:
// the endpoint's schema, its secondary index definitions, and the log
// position a mirroring tailer should start reading from.
type DescribeStorageResponse struct {
	Schema  field.Schema
	Indexes []field.IndexDefinition
	Tail    uint64
}

// GetLogRequest asks for whatever operations land in [Start, End) on
// Endpoint, blocking for at most TimeoutMs if none are available yet.
// spec.md §4.11 models get_log as a client-streamed sequence of these, so a
// caller can keep issuing successive range requests (Start advancing past
// the last response's highest operation id) over one long-lived stream
// instead of reconnecting per poll.
type GetLogRequest struct {
	Endpoint  string
	Start     uint64
	End       uint64
	TimeoutMs uint64
}

// GetLogResponse carries whatever operations pkg/oplog.Log.Read returned,
// possibly empty if the timeout elapsed with nothing new.
type GetLogResponse struct {
	Operations []rpcwire.WireOperation
}
