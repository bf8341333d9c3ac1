package ledger

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDKind selects the prefix of a generated id.
type IDKind string

const (
	KindClaim      IDKind = "clm"
	KindWithdrawal IDKind = "wd"
)

// IDSource hands out record ids. Implementations must never return the
// same id twice, across kinds.
type IDSource interface {
	NextID(kind IDKind) string
}

// Sequence is a monotonic counter shared by all kinds, so ids are unique
// across claims and withdrawals and sort in creation order.
// Ids look like "clm_000001", "wd_000002".
type Sequence struct {
	n atomic.Uint64
}

func NewSequence() *Sequence { return &Sequence{} }

// NewSequenceFrom starts the counter after start.
func NewSequenceFrom(start uint64) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

func (s *Sequence) NextID(kind IDKind) string {
	return fmt.Sprintf("%s_%06d", kind, s.n.Add(1))
}

// UUIDSource issues time-ordered UUIDv7 ids ("wd_0190f1c2-..."). Used by
// the durable backends, where a counter would restart on every boot.
type UUIDSource struct{}

func (UUIDSource) NextID(kind IDKind) string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return string(kind) + "_" + u.String()
}

// NewIDSource maps a config name to an IDSource. Empty selects fallback.
func NewIDSource(name string, fallback IDSource) (IDSource, error) {
	switch name {
	case "":
		return fallback, nil
	case "sequence":
		return NewSequence(), nil
	case "uuid":
		return UUIDSource{}, nil
	default:
		return nil, fmt.Errorf("unknown id source %q", name)
	}
}
