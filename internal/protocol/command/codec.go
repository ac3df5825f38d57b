package command

import (
	"fmt"

	"github.com/danmuck/collabd/internal/protocol/frame"
	"github.com/danmuck/collabd/internal/protocol/schema"
	"github.com/danmuck/collabd/internal/protocol/tlv"
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Header is what routing needs from a frame without a full decode.
type Header struct {
	Kind      Kind
	MessageID uint64
	Token     string
}

// Peek reads the frame header and token of b.
func Peek(b []byte) (Header, error) {
	f, err := frame.Unmarshal(b)
	if err != nil {
		return Header{}, err
	}
	kind := Kind(f.Header.MessageType)
	if !kind.Valid() {
		return Header{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Header{}, err
	}
	token, err := requiredString(fields, schema.FieldToken)
	if err != nil {
		return Header{}, err
	}
	if token == "" {
		return Header{}, ErrMissingToken
	}
	return Header{Kind: kind, MessageID: f.Header.MessageID, Token: token}, nil
}

func EncodeStartCmd(messageID uint64, cmd StartCmd) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	caller, err := encMode.Marshal(cmd.CallerInfo)
	if err != nil {
		return nil, fmt.Errorf("command: encode caller info: %w", err)
	}
	account, err := encMode.Marshal(cmd.AccountInfo)
	if err != nil {
		return nil, fmt.Errorf("command: encode account info: %w", err)
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldToken, cmd.Token),
		tlv.U32(schema.FieldProtocolVersion, cmd.ProtocolVersion),
		tlv.U32(schema.FieldAppVersion, cmd.AppVersion),
		tlv.I32(schema.FieldSrcSessionID, cmd.SrcSessionID),
		tlv.I32(schema.FieldSrcPid, cmd.SrcPid),
		tlv.I32(schema.FieldSrcUid, cmd.SrcUid),
		tlv.U32(schema.FieldSrcAccessToken, cmd.SrcAccessToken),
		tlv.String(schema.FieldSrcDeviceID, cmd.SrcDeviceID),
		tlv.String(schema.FieldSinkDeviceID, cmd.SinkDeviceID),
		tlv.String(schema.FieldSrcBundleName, cmd.SrcBundleName),
		tlv.String(schema.FieldSinkBundleName, cmd.SinkBundleName),
		tlv.String(schema.FieldSrcAbilityName, cmd.SrcAbilityName),
		tlv.String(schema.FieldSinkAbility, cmd.SinkAbilityName),
		tlv.String(schema.FieldSrcModuleName, cmd.SrcModuleName),
		tlv.String(schema.FieldSinkModuleName, cmd.SinkModuleName),
		tlv.Bool(schema.FieldNeedBulkData, cmd.NeedBulkData),
		tlv.Bool(schema.FieldNeedOutStream, cmd.NeedOutStream),
		tlv.Bool(schema.FieldNeedInStream, cmd.NeedInStream),
		tlv.Bytes(schema.FieldCallerInfo, caller),
		tlv.Bytes(schema.FieldAccountInfo, account),
	}
	// absent and empty params stay distinguishable on decode
	if cmd.StartParams != nil {
		fields = append(fields, tlv.Bytes(schema.FieldStartParams, cmd.StartParams))
	}
	if cmd.MessageParams != nil {
		fields = append(fields, tlv.Bytes(schema.FieldMessageParams, cmd.MessageParams))
	}
	return marshal(messageID, schema.MsgStartCmd, fields)
}

func DecodeStartCmd(b []byte) (StartCmd, error) {
	fields, err := unmarshal(b, KindStart)
	if err != nil {
		return StartCmd{}, err
	}
	var cmd StartCmd
	r := fieldReader{fields: fields}
	cmd.Token = r.str(schema.FieldToken)
	cmd.ProtocolVersion = r.u32(schema.FieldProtocolVersion)
	cmd.AppVersion = r.u32(schema.FieldAppVersion)
	cmd.SrcSessionID = r.i32(schema.FieldSrcSessionID)
	cmd.SrcPid = r.i32(schema.FieldSrcPid)
	cmd.SrcUid = r.i32(schema.FieldSrcUid)
	cmd.SrcAccessToken = r.u32(schema.FieldSrcAccessToken)
	cmd.SrcDeviceID = r.str(schema.FieldSrcDeviceID)
	cmd.SinkDeviceID = r.str(schema.FieldSinkDeviceID)
	cmd.SrcBundleName = r.str(schema.FieldSrcBundleName)
	cmd.SinkBundleName = r.str(schema.FieldSinkBundleName)
	cmd.SrcAbilityName = r.str(schema.FieldSrcAbilityName)
	cmd.SinkAbilityName = r.str(schema.FieldSinkAbility)
	cmd.SrcModuleName = r.str(schema.FieldSrcModuleName)
	cmd.SinkModuleName = r.str(schema.FieldSinkModuleName)
	cmd.NeedBulkData = r.boolean(schema.FieldNeedBulkData)
	cmd.NeedOutStream = r.boolean(schema.FieldNeedOutStream)
	cmd.NeedInStream = r.boolean(schema.FieldNeedInStream)
	cmd.StartParams = r.optBytes(schema.FieldStartParams)
	cmd.MessageParams = r.optBytes(schema.FieldMessageParams)
	caller := r.optBytes(schema.FieldCallerInfo)
	account := r.optBytes(schema.FieldAccountInfo)
	if r.err != nil {
		return StartCmd{}, r.err
	}
	if err := decMode.Unmarshal(caller, &cmd.CallerInfo); err != nil {
		return StartCmd{}, fmt.Errorf("command: decode caller info: %w", err)
	}
	if err := decMode.Unmarshal(account, &cmd.AccountInfo); err != nil {
		return StartCmd{}, fmt.Errorf("command: decode account info: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return StartCmd{}, err
	}
	return cmd, nil
}

func EncodeResultCmd(messageID uint64, cmd ResultCmd) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldToken, cmd.Token),
		tlv.I32(schema.FieldResult, cmd.Result),
		tlv.I32(schema.FieldSinkSessionID, cmd.SinkSessionID),
		tlv.String(schema.FieldSinkChannelName, cmd.SinkChannelName),
	}
	if cmd.RejectReason != "" {
		fields = append(fields, tlv.String(schema.FieldRejectReason, cmd.RejectReason))
	}
	return marshal(messageID, schema.MsgResultCmd, fields)
}

func DecodeResultCmd(b []byte) (ResultCmd, error) {
	fields, err := unmarshal(b, KindResult)
	if err != nil {
		return ResultCmd{}, err
	}
	r := fieldReader{fields: fields}
	cmd := ResultCmd{
		Token:           r.str(schema.FieldToken),
		Result:          r.i32(schema.FieldResult),
		RejectReason:    r.str(schema.FieldRejectReason),
		SinkSessionID:   r.i32(schema.FieldSinkSessionID),
		SinkChannelName: r.str(schema.FieldSinkChannelName),
	}
	if r.err != nil {
		return ResultCmd{}, r.err
	}
	if err := cmd.Validate(); err != nil {
		return ResultCmd{}, err
	}
	return cmd, nil
}

func EncodeDisconnectCmd(messageID uint64, cmd DisconnectCmd) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{tlv.String(schema.FieldToken, cmd.Token)}
	return marshal(messageID, schema.MsgDisconnectCmd, fields)
}

func DecodeDisconnectCmd(b []byte) (DisconnectCmd, error) {
	fields, err := unmarshal(b, KindDisconnect)
	if err != nil {
		return DisconnectCmd{}, err
	}
	r := fieldReader{fields: fields}
	cmd := DisconnectCmd{Token: r.str(schema.FieldToken)}
	if r.err != nil {
		return DisconnectCmd{}, r.err
	}
	if err := cmd.Validate(); err != nil {
		return DisconnectCmd{}, err
	}
	return cmd, nil
}

func marshal(messageID uint64, messageType uint32, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return frame.Marshal(messageID, messageType, tlv.EncodeFields(fields))
}

func unmarshal(b []byte, want Kind) ([]tlv.Field, error) {
	f, err := frame.Unmarshal(b)
	if err != nil {
		return nil, err
	}
	if got := Kind(f.Header.MessageType); got != want {
		return nil, fmt.Errorf("%w: got %s want %s", ErrKindMismatch, got, want)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(uint32(want), fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func requiredString(fields []tlv.Field, id uint16) (string, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return "", fmt.Errorf("command: missing field %d", id)
	}
	return f.AsString()
}

// fieldReader keeps the first error so decoders read straight through.
type fieldReader struct {
	fields []tlv.Field
	err    error
}

func (r *fieldReader) get(id uint16) (tlv.Field, bool) {
	if r.err != nil {
		return tlv.Field{}, false
	}
	return tlv.GetField(r.fields, id)
}

func (r *fieldReader) fail(id uint16, err error) {
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("command: field %d: %w", id, err)
	}
}

func (r *fieldReader) str(id uint16) string {
	f, ok := r.get(id)
	if !ok {
		return ""
	}
	v, err := f.AsString()
	r.fail(id, err)
	return v
}

func (r *fieldReader) u32(id uint16) uint32 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.AsU32()
	r.fail(id, err)
	return v
}

func (r *fieldReader) i32(id uint16) int32 {
	return int32(r.u32(id))
}

func (r *fieldReader) boolean(id uint16) bool {
	f, ok := r.get(id)
	if !ok {
		return false
	}
	v, err := f.AsBool()
	r.fail(id, err)
	return v
}

func (r *fieldReader) optBytes(id uint16) []byte {
	f, ok := r.get(id)
	if !ok {
		return nil
	}
	v, err := f.AsBytes()
	r.fail(id, err)
	return v
}
