package partclaim

import (
	"fmt"
	"net"
	"strconv"
)

// PartitionState is the processing state of a single job partition.
type PartitionState int8

// Partition states. Only Unassigned and Waiting can be claimed.
const (
	Unassigned PartitionState = iota
	Waiting
	Processing
	Processed
	Cancelled
)

var stateNames = [...]string{
	Unassigned: "Unassigned",
	Waiting:    "Waiting",
	Processing: "Processing",
	Processed:  "Processed",
	Cancelled:  "Cancelled",
}

func (s PartitionState) String() string {
	if !s.valid() {
		return fmt.Sprintf("PartitionState(%d)", int8(s))
	}
	return stateNames[s]
}

// Claimable reports whether a member may take over processing of a partition
// in this state.
func (s PartitionState) Claimable() bool {
	return s == Unassigned || s == Waiting
}

func (s PartitionState) valid() bool {
	return s >= Unassigned && s <= Cancelled
}

// Address identifies a cluster member. The zero Address means "no member".
type Address struct {
	Host string
	Port int
}

// ParseAddress parses a "host:port" string into an Address.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}
	return Address{Host: host, Port: port}, nil
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	if a.IsZero() {
		return "<none>"
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// PartitionRecord describes who is processing a partition and in which state.
// Records are values; an update produces a new record.
type PartitionRecord struct {
	Owner Address
	State PartitionState
}

// OwnedBy reports whether the record shows member as the active processor.
func (r PartitionRecord) OwnedBy(member Address) bool {
	return r.State == Processing && r.Owner == member
}

func (r PartitionRecord) String() string {
	if r.Owner.IsZero() {
		return r.State.String()
	}
	return fmt.Sprintf("%s@%s", r.State, r.Owner)
}
