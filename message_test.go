package partclaim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequestEncoding(t *testing.T) {
	var requestTests = []Request{
		{Name: "wordcount", JobID: "0f8e", PartitionID: 270},
		{Name: "wordcount", JobID: "0f8e", PartitionID: 3, Op: OpFinish},
		{Name: "", JobID: "", PartitionID: 0, Op: OpRelease},
	}

	for _, req := range requestTests {
		decoded, err := DecodeRequest(EncodeRequest(req))
		assert.Nil(t, err)
		assert.Equal(t, req, decoded)
	}
}

func TestRequestPartitionIDIsFixed32(t *testing.T) {
	b := EncodeRequest(Request{Name: "n", JobID: "j", PartitionID: -2})

	// version(2) + name(3) + job id(3) + tag(1) + 4 bytes
	assert.Len(t, b, 13)
	v, n := protowire.ConsumeFixed32(b[len(b)-4:])
	assert.Equal(t, 4, n)
	assert.Equal(t, int32(-2), int32(v))

	decoded, err := DecodeRequest(b)
	assert.Nil(t, err)
	assert.Equal(t, int32(-2), decoded.PartitionID)
}

func TestDecodeRequestSkipsUnknownFields(t *testing.T) {
	b := EncodeRequest(Request{Name: "job", JobID: "id", PartitionID: 7})
	b = protowire.AppendTag(b, 42, protowire.BytesType)
	b = protowire.AppendString(b, "added by a newer member")

	decoded, err := DecodeRequest(b)
	assert.Nil(t, err)
	assert.Equal(t, Request{Name: "job", JobID: "id", PartitionID: 7}, decoded)
}

func TestDecodeRequestErrors(t *testing.T) {
	newer := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	newer = protowire.AppendVarint(newer, protocolVersion+1)
	_, err := DecodeRequest(newer)
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))

	noPartition := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	noPartition = protowire.AppendVarint(noPartition, protocolVersion)
	_, err = DecodeRequest(noPartition)
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	truncated := EncodeRequest(Request{Name: "job", JobID: "id", PartitionID: 7})
	_, err = DecodeRequest(truncated[:len(truncated)-2])
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestResponseEncoding(t *testing.T) {
	snapshot := NewSnapshot([]PartitionRecord{
		{},
		{Owner: Address{Host: "10.0.0.1", Port: 5701}, State: Processing},
		{State: Waiting},
		{Owner: Address{Host: "10.0.0.2", Port: 5702}, State: Processed},
		{Owner: Address{Host: "10.0.0.2", Port: 5702}, State: Cancelled},
	})

	resp, err := DecodeResponse(EncodeResponse(Response{Found: true, Snapshot: snapshot}))
	require.Nil(t, err)
	assert.True(t, resp.Found)
	assert.Equal(t, snapshot.Records(), resp.Snapshot.Records())
}

func TestResponseNotFound(t *testing.T) {
	resp, err := DecodeResponse(EncodeResponse(Response{}))
	assert.Nil(t, err)
	assert.False(t, resp.Found)
	assert.Nil(t, resp.Snapshot)
}

func TestDecodeResponseErrors(t *testing.T) {
	valid := EncodeResponse(Response{Found: true, Snapshot: NewSnapshot(make([]PartitionRecord, 2))})

	// drop the last record
	short := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	short = protowire.AppendVarint(short, protocolVersion)
	short = protowire.AppendTag(short, respFound, protowire.VarintType)
	short = protowire.AppendVarint(short, 1)
	short = protowire.AppendTag(short, respPartitionCount, protowire.VarintType)
	short = protowire.AppendVarint(short, 2)
	_, err := DecodeResponse(short)
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	badState := protowire.AppendTag(nil, recState, protowire.VarintType)
	badState = protowire.AppendVarint(badState, 99)
	b := append([]byte{}, short...)
	b = protowire.AppendTag(b, respRecord, protowire.BytesType)
	b = protowire.AppendBytes(b, badState)
	_, err = DecodeResponse(b)
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	_, err = DecodeResponse(valid[:len(valid)-1])
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}
