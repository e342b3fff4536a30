package domain

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UniqueID is a 128-bit identifier for queries and fragment instances.
type UniqueID struct {
	Hi int64 `json:"hi" yaml:"hi"`
	Lo int64 `json:"lo" yaml:"lo"`
}

// NewUniqueID returns a random UniqueID backed by a UUIDv4.
func NewUniqueID() UniqueID {
	u := uuid.New()
	return UniqueID{
		Hi: int64(binary.BigEndian.Uint64(u[:8])),
		Lo: int64(binary.BigEndian.Uint64(u[8:])),
	}
}

// InstanceID derives the id of the n-th fragment instance of a query.
// Instance ids share the query's high bits and offset the low bits.
func (id UniqueID) InstanceID(indexInJob int) UniqueID {
	return UniqueID{Hi: id.Hi, Lo: id.Lo + int64(indexInJob) + 1}
}

// IsZero reports whether id is unset.
func (id UniqueID) IsZero() bool { return id.Hi == 0 && id.Lo == 0 }

// String renders the id as "hi-lo" in hex.
func (id UniqueID) String() string {
	return fmt.Sprintf("%x-%x", uint64(id.Hi), uint64(id.Lo))
}

// ParseUniqueID parses the output of UniqueID.String.
func ParseUniqueID(s string) (UniqueID, error) {
	hi, lo, ok := strings.Cut(s, "-")
	if !ok {
		return UniqueID{}, ErrValidation("invalid unique id %q", s)
	}
	h, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return UniqueID{}, ErrValidation("invalid unique id %q: %v", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return UniqueID{}, ErrValidation("invalid unique id %q: %v", s, err)
	}
	return UniqueID{Hi: int64(h), Lo: int64(l)}, nil
}

// NewID generates a UUIDv7 string for coordinator-owned entities such as slots.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
