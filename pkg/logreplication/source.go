package logreplication

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/log"
)

// TailSource implements dag.SourceNode by replaying a remote (or local,
// dialed over loopback) endpoint's log through Client.Tail. It is the
// concrete realization of spec.md §2's "external sources → C9 source
// nodes" data flow for this repo: Dozer names no other connector kind, so
// every pipeline source is another Dozer endpoint reached over C11.
type TailSource struct {
	Client      *Client
	Endpoint    string
	Schema      field.Schema
	Handle      dag.NodeHandle
	Start       uint64
	PollTimeout time.Duration // per-request GetLog block, default 1s
	BoundaryEvery int         // cut an epoch boundary every N non-empty batches, default 1
}

// Run tails the endpoint from its configured Start position until ctx is
// cancelled, forwarding each operation and periodically cutting an epoch
// boundary carrying the tailer's resume position.
func (s *TailSource) Run(ctx context.Context, out chan<- dag.Envelope) error {
	timeout := s.PollTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	every := s.BoundaryEvery
	if every <= 0 {
		every = 1
	}

	tailer, err := s.Client.Tail(ctx, s.Endpoint, s.Schema, s.Start, timeout)
	if err != nil {
		return fmt.Errorf("logreplication: tail source %q: %w", s.Endpoint, err)
	}
	defer func() { _ = tailer.Close() }()

	var epoch dag.EpochID
	sinceBoundary := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ops, err := tailer.Next()
		if err != nil {
			return fmt.Errorf("logreplication: tail source %q: %w", s.Endpoint, err)
		}
		for i := range ops {
			select {
			case out <- dag.Envelope{Op: &ops[i]}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(ops) == 0 {
			continue
		}
		sinceBoundary++
		if sinceBoundary < every {
			continue
		}
		sinceBoundary = 0
		epoch++
		boundary := dag.EpochBoundary{
			Epoch:        epoch,
			SourceStates: map[dag.NodeHandle][]byte{s.Handle: encodeResumePosition(tailer.next)},
		}
		select {
		case out <- dag.Envelope{Boundary: &boundary}:
		case <-ctx.Done():
			return ctx.Err()
		}
		log.WithComponent("logreplication").Debug().Str("endpoint", s.Endpoint).Uint64("epoch", uint64(epoch)).Msg("cut tail source boundary")
	}
}

func encodeResumePosition(pos uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, pos)
	return b
}

// DecodeResumePosition is the inverse of encodeResumePosition, used by
// cmd/dozerd to resume a TailSource from a recovered checkpoint's
// SourceStates entry.
func DecodeResumePosition(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("logreplication: malformed resume position (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
