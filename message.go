package partclaim

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire format version written by this member. Decoders accept any version up
// to and including it and skip fields they do not know.
const protocolVersion = 1

var (
	// ErrMalformedMessage is returned when a message cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnsupportedVersion is returned for messages newer than this member.
	ErrUnsupportedVersion = errors.New("unsupported message version")
)

// Op selects what a Request asks the coordinating member to do.
type Op uint8

// Request operations. OpClaim is the zero value and is not written on the wire.
const (
	OpClaim Op = iota
	OpFinish
	OpRelease
)

func (o Op) String() string {
	switch o {
	case OpClaim:
		return "claim"
	case OpFinish:
		return "finish"
	case OpRelease:
		return "release"
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Request asks for an operation on one partition of a job. The requesting
// member's address is supplied by the transport, not carried in the message.
type Request struct {
	Name        string
	JobID       string
	PartitionID int32
	Op          Op
}

// Response carries the partition snapshot resulting from a Request. Found is
// false, and Snapshot nil, when the job is not active on the responding member.
type Response struct {
	Found    bool
	Snapshot *Snapshot
}

// field numbers
const (
	fieldVersion protowire.Number = 1

	reqName        protowire.Number = 2
	reqJobID       protowire.Number = 3
	reqPartitionID protowire.Number = 4
	reqOp          protowire.Number = 5

	respFound          protowire.Number = 2
	respPartitionCount protowire.Number = 3
	respRecord         protowire.Number = 4

	recState protowire.Number = 1
	recHost  protowire.Number = 2
	recPort  protowire.Number = 3
)

// EncodeRequest serializes req.
func EncodeRequest(req Request) []byte {
	b := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, protocolVersion)
	b = protowire.AppendTag(b, reqName, protowire.BytesType)
	b = protowire.AppendString(b, req.Name)
	b = protowire.AppendTag(b, reqJobID, protowire.BytesType)
	b = protowire.AppendString(b, req.JobID)
	b = protowire.AppendTag(b, reqPartitionID, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(req.PartitionID))
	if req.Op != OpClaim {
		b = protowire.AppendTag(b, reqOp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(req.Op))
	}
	return b
}

// DecodeRequest parses a message written by EncodeRequest.
func DecodeRequest(b []byte) (Request, error) {
	var (
		req                     Request
		seenVersion, seenPartID bool
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (int, error) {
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(value)
			if n >= 0 {
				seenVersion = true
				if v > protocolVersion {
					return n, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
				}
			}
			return n, nil
		case num == reqName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(value)
			req.Name = v
			return n, nil
		case num == reqJobID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(value)
			req.JobID = v
			return n, nil
		case num == reqPartitionID && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(value)
			req.PartitionID = int32(v)
			seenPartID = true
			return n, nil
		case num == reqOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(value)
			req.Op = Op(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, value), nil
	})
	if err != nil {
		return Request{}, err
	}
	if !seenVersion || !seenPartID {
		return Request{}, fmt.Errorf("%w: request missing version or partition id", ErrMalformedMessage)
	}
	return req, nil
}

// EncodeResponse serializes resp. A response with Found set and a nil
// snapshot is encoded as a job with no partitions.
func EncodeResponse(resp Response) []byte {
	b := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, protocolVersion)
	b = protowire.AppendTag(b, respFound, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(resp.Found))
	if !resp.Found || resp.Snapshot == nil {
		return b
	}

	b = protowire.AppendTag(b, respPartitionCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.Snapshot.Len()))
	var rec []byte
	for _, record := range resp.Snapshot.records {
		rec = appendRecord(rec[:0], record)
		b = protowire.AppendTag(b, respRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
	}
	return b
}

// DecodeResponse parses a message written by EncodeResponse.
func DecodeResponse(b []byte) (Response, error) {
	var (
		resp        Response
		seenVersion bool
		count       uint64
		records     []PartitionRecord
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (int, error) {
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(value)
			if n >= 0 {
				seenVersion = true
				if v > protocolVersion {
					return n, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
				}
			}
			return n, nil
		case num == respFound && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(value)
			resp.Found = protowire.DecodeBool(v)
			return n, nil
		case num == respPartitionCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(value)
			count = v
			return n, nil
		case num == respRecord && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(value)
			if n < 0 {
				return n, nil
			}
			record, err := decodeRecord(v)
			if err != nil {
				return n, err
			}
			records = append(records, record)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, value), nil
	})
	if err != nil {
		return Response{}, err
	}
	if !seenVersion {
		return Response{}, fmt.Errorf("%w: response missing version", ErrMalformedMessage)
	}
	if !resp.Found {
		return Response{}, nil
	}
	if uint64(len(records)) != count {
		return Response{}, fmt.Errorf("%w: expected %d partition records, got %d", ErrMalformedMessage, count, len(records))
	}
	resp.Snapshot = &Snapshot{records: records}
	if records == nil {
		resp.Snapshot.records = []PartitionRecord{}
	}
	return resp, nil
}

func appendRecord(b []byte, record PartitionRecord) []byte {
	b = protowire.AppendTag(b, recState, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(record.State))
	if record.Owner.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, recHost, protowire.BytesType)
	b = protowire.AppendString(b, record.Owner.Host)
	b = protowire.AppendTag(b, recPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(record.Owner.Port))
	return b
}

func decodeRecord(b []byte) (PartitionRecord, error) {
	var record PartitionRecord
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (int, error) {
		switch {
		case num == recState && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(value)
			record.State = PartitionState(v)
			if n >= 0 && !record.State.valid() {
				return n, fmt.Errorf("%w: unknown partition state %d", ErrMalformedMessage, v)
			}
			return n, nil
		case num == recHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(value)
			record.Owner.Host = v
			return n, nil
		case num == recPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(value)
			record.Owner.Port = int(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, value), nil
	})
	return record, err
}

// consumeFields walks the fields of b, handing each field's value bytes to fn.
// fn returns the number of bytes it consumed, negative on a parse error.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
