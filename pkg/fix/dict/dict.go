// Package dict defines the data-dictionary contract the engine validates
// against. The dictionary itself is an external collaborator (parsed FIX
// XML); the engine only consumes it through this interface. A built-in
// dictionary covering the session-layer message set ships here so the
// engine validates admin traffic without any external dictionary loaded.
package dict

import (
	"fixengine/pkg/fix/field"
	"fixengine/pkg/fix/tag"
)

// FieldSpec describes one field of a message type.
type FieldSpec struct {
	Tag    tag.Tag
	Name   string
	Kind   field.Kind
	Values []string // allowed enum values, nil when unconstrained
}

// MessageSpec describes a message type: which tags are required and which
// repeating groups it may carry.
type MessageSpec struct {
	MsgType  string
	Required []tag.Tag
	Groups   []field.GroupTemplate
}

// Dictionary resolves field and message specifications per dialect.
// Implementations are preloaded at engine construction and must be safe
// for concurrent readers.
type Dictionary interface {
	FieldSpec(beginString, msgType string, t tag.Tag) (FieldSpec, bool)
	MessageSpec(beginString, msgType string) (MessageSpec, bool)
}

// sessionDict is the built-in dictionary for the administrative message
// set. It is dialect-independent: the session layer is identical across
// FIX.4.0 through FIXT.1.1 for these messages.
type sessionDict struct {
	messages map[string]MessageSpec
	fields   map[tag.Tag]FieldSpec
}

// Session returns the built-in session-layer dictionary.
func Session() Dictionary {
	return builtinSession
}

var builtinSession = &sessionDict{
	messages: map[string]MessageSpec{
		tag.MsgTypeHeartbeat: {MsgType: tag.MsgTypeHeartbeat},
		tag.MsgTypeTestRequest: {
			MsgType:  tag.MsgTypeTestRequest,
			Required: []tag.Tag{tag.TestReqID},
		},
		tag.MsgTypeResendRequest: {
			MsgType:  tag.MsgTypeResendRequest,
			Required: []tag.Tag{tag.BeginSeqNo, tag.EndSeqNo},
		},
		tag.MsgTypeReject: {
			MsgType:  tag.MsgTypeReject,
			Required: []tag.Tag{tag.RefSeqNum},
		},
		tag.MsgTypeSequenceReset: {
			MsgType:  tag.MsgTypeSequenceReset,
			Required: []tag.Tag{tag.NewSeqNo},
		},
		tag.MsgTypeLogout: {MsgType: tag.MsgTypeLogout},
		tag.MsgTypeLogon: {
			MsgType:  tag.MsgTypeLogon,
			Required: []tag.Tag{tag.HeartBtInt},
		},
	},
	fields: map[tag.Tag]FieldSpec{
		tag.BeginSeqNo:       {Tag: tag.BeginSeqNo, Name: "BeginSeqNo", Kind: field.KindInt},
		tag.EndSeqNo:         {Tag: tag.EndSeqNo, Name: "EndSeqNo", Kind: field.KindInt},
		tag.MsgSeqNum:        {Tag: tag.MsgSeqNum, Name: "MsgSeqNum", Kind: field.KindInt},
		tag.NewSeqNo:         {Tag: tag.NewSeqNo, Name: "NewSeqNo", Kind: field.KindInt},
		tag.PossDupFlag:      {Tag: tag.PossDupFlag, Name: "PossDupFlag", Kind: field.KindBool},
		tag.RefSeqNum:        {Tag: tag.RefSeqNum, Name: "RefSeqNum", Kind: field.KindInt},
		tag.SenderCompID:     {Tag: tag.SenderCompID, Name: "SenderCompID", Kind: field.KindString},
		tag.SendingTime:      {Tag: tag.SendingTime, Name: "SendingTime", Kind: field.KindUTCTimestamp},
		tag.TargetCompID:     {Tag: tag.TargetCompID, Name: "TargetCompID", Kind: field.KindString},
		tag.EncryptMethod:    {Tag: tag.EncryptMethod, Name: "EncryptMethod", Kind: field.KindInt},
		tag.HeartBtInt:       {Tag: tag.HeartBtInt, Name: "HeartBtInt", Kind: field.KindInt},
		tag.TestReqID:        {Tag: tag.TestReqID, Name: "TestReqID", Kind: field.KindString},
		tag.OrigSendingTime:  {Tag: tag.OrigSendingTime, Name: "OrigSendingTime", Kind: field.KindUTCTimestamp},
		tag.GapFillFlag:      {Tag: tag.GapFillFlag, Name: "GapFillFlag", Kind: field.KindBool},
		tag.ResetSeqNumFlag:  {Tag: tag.ResetSeqNumFlag, Name: "ResetSeqNumFlag", Kind: field.KindBool},
		tag.DefaultApplVerID: {Tag: tag.DefaultApplVerID, Name: "DefaultApplVerID", Kind: field.KindString},
		tag.ApplVerID:        {Tag: tag.ApplVerID, Name: "ApplVerID", Kind: field.KindString},
	},
}

func (d *sessionDict) FieldSpec(beginString, msgType string, t tag.Tag) (FieldSpec, bool) {
	spec, ok := d.fields[t]
	return spec, ok
}

func (d *sessionDict) MessageSpec(beginString, msgType string) (MessageSpec, bool) {
	spec, ok := d.messages[msgType]
	return spec, ok
}
