// Package ids defines the strong identifier types shared across the
// engine: queries, operators, origins, workers and the sequencing
// values attached to tuple buffers as they flow through a pipeline.
//
// Each identifier is a distinct type (rather than a shared uint64)
// so that mixing up, say, a WorkerId and an OperatorId is a compile
// error and not a debugging session.
package ids

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// QueryId identifies a query as submitted by a client. It survives
// the whole lifecycle of the query, including across restarts of the
// query manager that registered it.
type QueryId uint64

// InvalidQueryId is the sentinel for "no query".
const InvalidQueryId QueryId = 0

func (q QueryId) Valid() bool { return q != InvalidQueryId }

func (q QueryId) String() string { return fmt.Sprintf("Q%d", uint64(q)) }

// SharedQueryId identifies a logical query plan that may be shared by
// more than one submitted QueryId once SignatureInference (see
// package rewrite) determines two plans are equivalent.
type SharedQueryId uint64

const InvalidSharedQueryId SharedQueryId = 0

func (s SharedQueryId) Valid() bool { return s != InvalidSharedQueryId }

// LocalQueryId identifies a query as known to a single worker; it is
// handed back by a worker's registerQuery call and used for all
// subsequent start/stop/unregister calls against that worker.
type LocalQueryId uint64

const InvalidLocalQueryId LocalQueryId = 0

func (l LocalQueryId) Valid() bool { return l != InvalidLocalQueryId }

// OperatorId identifies a single node in a LogicalOperator DAG.
//
// Operator identity is content-addressed: two operators with the same
// kind, payload and children produce the same OperatorId, which is
// what lets the logical plan's equality and deduplicated traversal of
// shared DAG nodes work without pointer identity.
type OperatorId [32]byte

var InvalidOperatorId OperatorId

func (o OperatorId) Valid() bool { return o != InvalidOperatorId }

func (o OperatorId) String() string { return fmt.Sprintf("op-%x", o[:8]) }

// Less gives OperatorId a total order (byte-lexicographic), used by
// the logical plan's child-sorting equality algorithm.
func (o OperatorId) Less(other OperatorId) bool {
	for i := range o {
		if o[i] != other[i] {
			return o[i] < other[i]
		}
	}
	return false
}

// NewOperatorId derives a content-addressed id from an operator's
// kind tag, its serialized payload, and the ids of its children (in
// order). Equal inputs always produce equal ids.
func NewOperatorId(kind string, payload []byte, children []OperatorId) OperatorId {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(payload)
	for _, c := range children {
		h.Write(c[:])
	}
	var out OperatorId
	copy(out[:], h.Sum(nil))
	return out
}

// OriginId identifies a logical stream of tuple buffers. Sequence
// numbers are only meaningful within a single OriginId.
type OriginId uint64

const InvalidOriginId OriginId = 0

func (o OriginId) Valid() bool { return o != InvalidOriginId }

// WorkerId identifies a physical worker node in the cluster topology.
type WorkerId uint64

const InvalidWorkerId WorkerId = 0

func (w WorkerId) Valid() bool { return w != InvalidWorkerId }

// WorkerThreadId identifies one execution thread within a worker,
// used to partition per-thread state in joins and aggregations
// without contention across threads.
type WorkerThreadId uint32

const InvalidWorkerThreadId WorkerThreadId = 0

// SequenceNumber is a per-OriginId, strictly increasing, gap-free
// counter starting at 1.
type SequenceNumber uint64

const InvalidSequenceNumber SequenceNumber = 0

// ChunkNumber identifies a buffer's position within a (possibly
// split) logical record batch; 1 unless a source deliberately chunks
// a single pull into multiple buffers.
type ChunkNumber uint32

// PipelineId identifies a compiled pipeline (a Scan..Emit operator
// chain) within a worker's subplan.
type PipelineId uint64

const InvalidPipelineId PipelineId = 0

// NewQueryId returns a fresh, random QueryId built from the first 8
// bytes of a uuid.New value: 60 random bits, since 4 of those 64 bits
// are the UUID version field.
func NewQueryId() QueryId {
	u := uuid.New()
	return QueryId(binary.BigEndian.Uint64(u[:8]))
}

func NewSharedQueryId() SharedQueryId {
	u := uuid.New()
	return SharedQueryId(binary.BigEndian.Uint64(u[:8]))
}

// PhysicalSourceId identifies one addPhysicalSource registration in a
// SourceCatalog, handed back as part of its SourceDescriptor.
type PhysicalSourceId uint64

const InvalidPhysicalSourceId PhysicalSourceId = 0

func (p PhysicalSourceId) Valid() bool { return p != InvalidPhysicalSourceId }

func NewPhysicalSourceId() PhysicalSourceId {
	u := uuid.New()
	return PhysicalSourceId(binary.BigEndian.Uint64(u[:8]))
}
