package schema

import (
	"fmt"

	logs "github.com/danmuck/collabd/internal/logging"
	"github.com/danmuck/collabd/internal/protocol/tlv"
)

// Message type IDs from the collab wire contract.
const (
	MsgStartCmd      uint32 = 1
	MsgResultCmd     uint32 = 2
	MsgDisconnectCmd uint32 = 3

	// MsgHello opens a stream transport channel; it never reaches a session.
	MsgHello uint32 = 16
)

// Field IDs from the collab wire contract.
const (
	FieldToken uint16 = 1

	FieldProtocolVersion uint16 = 100
	FieldAppVersion      uint16 = 101
	FieldSrcSessionID    uint16 = 102
	FieldSrcPid          uint16 = 103
	FieldSrcUid          uint16 = 104
	FieldSrcAccessToken  uint16 = 105

	FieldSrcDeviceID    uint16 = 200
	FieldSinkDeviceID   uint16 = 201
	FieldSrcBundleName  uint16 = 202
	FieldSinkBundleName uint16 = 203
	FieldSrcAbilityName uint16 = 204
	FieldSinkAbility    uint16 = 205
	FieldSrcModuleName  uint16 = 206
	FieldSinkModuleName uint16 = 207

	FieldNeedBulkData  uint16 = 300
	FieldNeedOutStream uint16 = 301
	FieldNeedInStream  uint16 = 302
	FieldStartParams   uint16 = 303
	FieldMessageParams uint16 = 304

	FieldCallerInfo  uint16 = 400
	FieldAccountInfo uint16 = 401

	FieldResult          uint16 = 500
	FieldRejectReason    uint16 = 501
	FieldSinkSessionID   uint16 = 502
	FieldSinkChannelName uint16 = 503

	FieldHelloDeviceID    uint16 = 600
	FieldHelloServiceType uint16 = 601
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgStartCmd: {
		{FieldToken, tlv.TypeString},
		{FieldProtocolVersion, tlv.TypeU32},
		{FieldAppVersion, tlv.TypeU32},
		{FieldSrcSessionID, tlv.TypeU32},
		{FieldSrcPid, tlv.TypeU32},
		{FieldSrcUid, tlv.TypeU32},
		{FieldSrcAccessToken, tlv.TypeU32},
		{FieldSrcDeviceID, tlv.TypeString},
		{FieldSinkDeviceID, tlv.TypeString},
		{FieldSrcBundleName, tlv.TypeString},
		{FieldSinkBundleName, tlv.TypeString},
		{FieldSrcAbilityName, tlv.TypeString},
		{FieldSinkAbility, tlv.TypeString},
		{FieldSrcModuleName, tlv.TypeString},
		{FieldSinkModuleName, tlv.TypeString},
		{FieldNeedBulkData, tlv.TypeBool},
		{FieldNeedOutStream, tlv.TypeBool},
		{FieldNeedInStream, tlv.TypeBool},
		{FieldCallerInfo, tlv.TypeBytes},
		{FieldAccountInfo, tlv.TypeBytes},
	},
	MsgResultCmd: {
		{FieldToken, tlv.TypeString},
		{FieldResult, tlv.TypeU32},
		{FieldSinkSessionID, tlv.TypeU32},
		{FieldSinkChannelName, tlv.TypeString},
	},
	MsgDisconnectCmd: {
		{FieldToken, tlv.TypeString},
	},
	MsgHello: {
		{FieldHelloDeviceID, tlv.TypeString},
		{FieldHelloServiceType, tlv.TypeString},
	},
}

// optional lists fields that may be absent but must carry the right type when present.
var optional = map[uint32][]Requirement{
	MsgStartCmd: {
		{FieldStartParams, tlv.TypeBytes},
		{FieldMessageParams, tlv.TypeBytes},
	},
	MsgResultCmd: {
		{FieldRejectReason, tlv.TypeString},
	},
}

// Known reports whether messageType has a schema.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	logs.Tracef("schema.Validate message_type=%d fields=%d", messageType, len(fields))
	reqs, ok := requirements[messageType]
	if !ok {
		logs.Errf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			logs.Errf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			logs.Errf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		f, found := tlv.GetField(fields, opt.ID)
		if found && f.Type != opt.Type {
			return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
