package types

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// RequestType selects the gateway dispatch path
type RequestType int

const (
	Call RequestType = iota + 1
	SendTxEndorser
	SendTxOrderer
	GetBlockNumber
	GetBlockHeader
	GetTransaction
)

var requestTypeName = map[RequestType]string{
	Call:           "CALL",
	SendTxEndorser: "SENDTX_ENDORSER",
	SendTxOrderer:  "SENDTX_ORDERER",
	GetBlockNumber: "GET_BLOCK_NUMBER",
	GetBlockHeader: "GET_BLOCK_HEADER",
	GetTransaction: "GET_TRANSACTION",
}

func (t RequestType) String() string {
	if name, ok := requestTypeName[t]; ok {
		return name
	}
	return fmt.Sprintf("REQUEST_TYPE(%d)", int(t))
}

// Request is the message exchanged between the pipeline and the gateway
type Request struct {
	Type         RequestType
	ResourceInfo *ResourceInfo
	Data         []byte
}

// ResourceName returns the targeted resource, or "" when there is none
func (r *Request) ResourceName() string {
	if r.ResourceInfo == nil {
		return ""
	}
	return r.ResourceInfo.Name
}

// Response is the gateway answer to a Request
type Response struct {
	ErrorCode    Status
	ErrorMessage string
	Data         []byte
}

// NewResponse builds a response with a formatted message
func NewResponse(code Status, data []byte, format string, args ...interface{}) *Response {
	return &Response{ErrorCode: code, ErrorMessage: fmt.Sprintf(format, args...), Data: data}
}

// SuccessResponse wraps data in a SUCCESS response
func SuccessResponse(data []byte) *Response {
	return &Response{ErrorCode: Success, ErrorMessage: "Success", Data: data}
}

// IsSuccess reports whether the response code is SUCCESS
func (r *Response) IsSuccess() bool {
	return r != nil && r.ErrorCode == Success
}

// LongToBytes encodes a block number as 8 big-endian bytes
func LongToBytes(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

// BytesToLong decodes an 8 byte big-endian block number
func BytesToLong(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("block number must be 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
