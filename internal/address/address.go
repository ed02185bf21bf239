// ABOUTME: Hierarchical component addresses (coordinator, agent, worker, test)
// ABOUTME: Parsing, formatting, child derivation and ancestry checks for routing

package address

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAddressState indicates a child was derived from an address that cannot have one.
var ErrInvalidAddressState = errors.New("invalid address state")

// ErrMalformedAddress indicates a string could not be parsed as an address.
var ErrMalformedAddress = errors.New("malformed address")

// All is the wildcard index. An address with a wildcard segment is a broadcast target.
const All = -1

// Level is the depth of an address in the component hierarchy.
type Level int

const (
	CoordinatorLevel Level = iota
	AgentLevel
	WorkerLevel
	TestLevel
)

func (l Level) String() string {
	switch l {
	case CoordinatorLevel:
		return "coordinator"
	case AgentLevel:
		return "agent"
	case WorkerLevel:
		return "worker"
	case TestLevel:
		return "test"
	default:
		return "unknown"
	}
}

// segment prefixes in text form, indexed by Level
var prefixes = [...]string{"C", "A", "W", "T"}

// Address identifies a component: {coordinator, agent-index, worker-index, test-index}.
// The zero value is the coordinator. Address is comparable and usable as a map key.
type Address struct {
	level   Level
	indexes [3]int // agent, worker, test; only the first int(level) are populated
}

// Coordinator returns the root address.
func Coordinator() Address {
	return Address{}
}

// Agent returns the address of agent index under the coordinator.
func Agent(index int) Address {
	return Address{level: AgentLevel, indexes: [3]int{index}}
}

// Worker returns the address of a worker under an agent.
func Worker(agentIndex, workerIndex int) Address {
	return Address{level: WorkerLevel, indexes: [3]int{agentIndex, workerIndex}}
}

// Test returns the address of a test hosted by a worker.
func Test(agentIndex, workerIndex, testIndex int) Address {
	return Address{level: TestLevel, indexes: [3]int{agentIndex, workerIndex, testIndex}}
}

// Level returns the depth of the address.
func (a Address) Level() Level {
	return a.level
}

// Index returns the segment at level l, or 0 if the segment is unset.
func (a Address) Index(l Level) int {
	if l <= CoordinatorLevel || l > a.level {
		return 0
	}
	return a.indexes[l-1]
}

// AgentIndex returns the agent segment.
func (a Address) AgentIndex() int { return a.Index(AgentLevel) }

// WorkerIndex returns the worker segment.
func (a Address) WorkerIndex() int { return a.Index(WorkerLevel) }

// TestIndex returns the test segment.
func (a Address) TestIndex() int { return a.Index(TestLevel) }

// IsWildcard reports whether any segment is the wildcard.
func (a Address) IsWildcard() bool {
	for i := 0; i < int(a.level); i++ {
		if a.indexes[i] == All {
			return true
		}
	}
	return false
}

// Child appends one segment. It fails with ErrInvalidAddressState when the address
// is already at test level or is itself a broadcast target.
func (a Address) Child(index int) (Address, error) {
	if a.level == TestLevel {
		return Address{}, fmt.Errorf("%w: %s has no child level", ErrInvalidAddressState, a)
	}
	if a.IsWildcard() {
		return Address{}, fmt.Errorf("%w: cannot derive a child of broadcast address %s", ErrInvalidAddressState, a)
	}
	if index < 0 {
		return Address{}, fmt.Errorf("%w: negative child index %d", ErrInvalidAddressState, index)
	}
	child := a
	child.indexes[a.level] = index
	child.level++
	return child, nil
}

// MustChild is Child for call sites where the parent level is known statically.
func (a Address) MustChild(index int) Address {
	child, err := a.Child(index)
	if err != nil {
		panic(err)
	}
	return child
}

// AllChildren returns the broadcast address covering every child of a.
func (a Address) AllChildren() (Address, error) {
	if a.level == TestLevel {
		return Address{}, fmt.Errorf("%w: %s has no child level", ErrInvalidAddressState, a)
	}
	child := a
	child.indexes[a.level] = All
	child.level++
	return child, nil
}

// Parent returns the enclosing address. The coordinator is its own parent.
func (a Address) Parent() Address {
	if a.level == CoordinatorLevel {
		return a
	}
	parent := a
	parent.level--
	parent.indexes[parent.level] = 0
	return parent
}

// Ancestor returns the prefix of a at level l. It returns a itself when l >= a.Level().
func (a Address) Ancestor(l Level) Address {
	for a.level > l {
		a = a.Parent()
	}
	return a
}

// IsAncestorOf reports whether a is a strict prefix of other.
// A wildcard segment in a matches any index in other.
func (a Address) IsAncestorOf(other Address) bool {
	if a.level >= other.level {
		return false
	}
	return a.Matches(other.Ancestor(a.level))
}

// Matches reports whether a, possibly containing wildcards, covers the concrete address other.
func (a Address) Matches(other Address) bool {
	if a.level != other.level {
		return false
	}
	for i := 0; i < int(a.level); i++ {
		if a.indexes[i] != All && a.indexes[i] != other.indexes[i] {
			return false
		}
	}
	return true
}

// Compare orders addresses by segments, ancestors first. Wildcards sort before indexes.
func Compare(a, b Address) int {
	n := min(int(a.level), int(b.level))
	for i := 0; i < n; i++ {
		if a.indexes[i] != b.indexes[i] {
			if a.indexes[i] < b.indexes[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case a.level < b.level:
		return -1
	case a.level > b.level:
		return 1
	default:
		return 0
	}
}

// String formats the address as C, C_A1, C_A1_W2 or C_A1_W2_T3, with * for wildcards.
func (a Address) String() string {
	var b strings.Builder
	b.WriteString(prefixes[0])
	for i := 0; i < int(a.level); i++ {
		b.WriteByte('_')
		b.WriteString(prefixes[i+1])
		if a.indexes[i] == All {
			b.WriteByte('*')
		} else {
			b.WriteString(strconv.Itoa(a.indexes[i]))
		}
	}
	return b.String()
}

// Parse reads the text form produced by String.
func Parse(s string) (Address, error) {
	parts := strings.Split(s, "_")
	if parts[0] != prefixes[0] {
		return Address{}, fmt.Errorf("%w: %q must start with %s", ErrMalformedAddress, s, prefixes[0])
	}
	if len(parts) > len(prefixes) {
		return Address{}, fmt.Errorf("%w: %q has too many segments", ErrMalformedAddress, s)
	}

	var a Address
	for i, part := range parts[1:] {
		prefix := prefixes[i+1]
		if !strings.HasPrefix(part, prefix) {
			return Address{}, fmt.Errorf("%w: %q segment %d must start with %s", ErrMalformedAddress, s, i+1, prefix)
		}
		raw := part[len(prefix):]
		if raw == "*" {
			a.indexes[i] = All
		} else {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return Address{}, fmt.Errorf("%w: %q segment %d has invalid index %q", ErrMalformedAddress, s, i+1, raw)
			}
			a.indexes[i] = n
		}
		a.level++
	}
	return a, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
