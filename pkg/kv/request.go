package kv

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidRequest = errors.New("kv: invalid request")
	ErrConflict       = errors.New("kv: transaction conflict")
	ErrTableOverflow  = errors.New("kv: table capacity exceeded")
)

// Op discriminates the variants of Request.
type Op uint8

const (
	OpGet Op = iota + 1
	OpPut
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// ParseOp is the inverse of Op.String.
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(s) {
	case "get":
		return OpGet, nil
	case "put":
		return OpPut, nil
	case "delete":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, s)
}

// Request is one operation of a batch. Value is only meaningful for OpPut.
type Request struct {
	Op    Op
	Key   string
	Value []byte
}

func Get(key string) Request               { return Request{Op: OpGet, Key: key} }
func Put(key string, value []byte) Request { return Request{Op: OpPut, Key: key, Value: value} }
func Delete(key string) Request            { return Request{Op: OpDelete, Key: key} }

// Batch is executed as a single transaction on the node owning its table.
type Batch struct {
	Requests []Request
}

// keys look like /table/pkey
var keyPattern = regexp.MustCompile(`^/([A-Za-z0-9]+)/([A-Za-z0-9]+)$`)

// SplitKey returns the table and primary key of a /table/pkey key.
func SplitKey(key string) (table, pkey string, err error) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", "", fmt.Errorf("%w: invalid key %q", ErrInvalidRequest, key)
	}
	return m[1], m[2], nil
}

// Table is the partition key of the batch. Every request must address the
// same table.
func (b Batch) Table() (string, error) {
	if len(b.Requests) == 0 {
		return "", fmt.Errorf("%w: no requests", ErrInvalidRequest)
	}
	table, _, err := SplitKey(b.Requests[0].Key)
	if err != nil {
		return "", err
	}
	for _, r := range b.Requests[1:] {
		t, _, err := SplitKey(r.Key)
		if err != nil {
			return "", err
		}
		if t != table {
			return "", fmt.Errorf("%w: batch spans tables %q and %q", ErrInvalidRequest, table, t)
		}
	}
	return table, nil
}

// Status is the outcome of a transaction.
type Status uint8

const (
	StatusPending Status = iota
	StatusCommitted
	StatusAborted
	StatusNoop
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	case StatusNoop:
		return "NOOP"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusPending, StatusCommitted, StatusAborted, StatusNoop} {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("kv: unknown status %q", s)
}

type KeyValue struct {
	Key   string
	Value []byte
}

// TransactionResult reports what a batch did. Returning holds the values
// read, in first-read order; keys read but absent are omitted.
type TransactionResult struct {
	ID        string
	ReadTS    uint64
	CommitTS  uint64
	Status    Status
	Returning []KeyValue
}

type BatchResponse struct {
	Table  string
	Result TransactionResult
}
