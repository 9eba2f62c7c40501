// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import "time"

// Binary encoding type ids of the service messages carried by this
// stack.
const (
	TypeIDServiceFault               uint16 = 397
	TypeIDTestStackRequest           uint16 = 410
	TypeIDTestStackResponse          uint16 = 413
	TypeIDGetEndpointsRequest        uint16 = 428
	TypeIDGetEndpointsResponse       uint16 = 431
	TypeIDOpenSecureChannelRequest   uint16 = 446
	TypeIDOpenSecureChannelResponse  uint16 = 449
	TypeIDCloseSecureChannelRequest  uint16 = 452
	TypeIDCloseSecureChannelResponse uint16 = 455
)

// RequestHeader is common to every service request.
type RequestHeader struct {
	Timestamp     time.Time
	RequestHandle uint32
	TimeoutHint   uint32
}

// ResponseHeader is common to every service response.
type ResponseHeader struct {
	Timestamp     time.Time
	RequestHandle uint32
	ServiceResult StatusCode
}

// ServiceMessage is any message that can travel in the body of a MSG,
// OPN or CLO chunk sequence.
type ServiceMessage interface {
	TypeID() uint16
	EncodeBody(enc *BinaryEncoder) error
	DecodeBody(dec *BinaryDecoder) error
}

// ServiceRequest is a ServiceMessage carrying a RequestHeader.
type ServiceRequest interface {
	ServiceMessage
	Header() *RequestHeader
}

// ServiceResponse is a ServiceMessage carrying a ResponseHeader.
type ServiceResponse interface {
	ServiceMessage
	Header() *ResponseHeader
}

func (h *RequestHeader) encode(enc *BinaryEncoder) error {
	if err := enc.WriteDateTime(h.Timestamp); err != nil {
		return err
	}
	if err := enc.WriteUInt32(h.RequestHandle); err != nil {
		return err
	}
	return enc.WriteUInt32(h.TimeoutHint)
}

func (h *RequestHeader) decode(dec *BinaryDecoder) error {
	if err := dec.ReadDateTime(&h.Timestamp); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&h.RequestHandle); err != nil {
		return err
	}
	return dec.ReadUInt32(&h.TimeoutHint)
}

func (h *ResponseHeader) encode(enc *BinaryEncoder) error {
	if err := enc.WriteDateTime(h.Timestamp); err != nil {
		return err
	}
	if err := enc.WriteUInt32(h.RequestHandle); err != nil {
		return err
	}
	return enc.WriteStatusCode(h.ServiceResult)
}

func (h *ResponseHeader) decode(dec *BinaryDecoder) error {
	if err := dec.ReadDateTime(&h.Timestamp); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&h.RequestHandle); err != nil {
		return err
	}
	return dec.ReadStatusCode(&h.ServiceResult)
}

// ChannelSecurityToken identifies the keying material issued for a
// secure channel.
type ChannelSecurityToken struct {
	ChannelID       uint32
	TokenID         uint32
	CreatedAt       time.Time
	RevisedLifetime uint32
}

// OpenSecureChannelRequest opens or renews a secure channel.
type OpenSecureChannelRequest struct {
	RequestHeader
	ClientProtocolVersion uint32
	RequestType           SecurityTokenRequestType
	SecurityMode          MessageSecurityMode
	ClientNonce           []byte
	RequestedLifetime     uint32
}

// Header returns the request header.
func (r *OpenSecureChannelRequest) Header() *RequestHeader { return &r.RequestHeader }

// TypeID returns the binary encoding id.
func (r *OpenSecureChannelRequest) TypeID() uint16 { return TypeIDOpenSecureChannelRequest }

// EncodeBody writes the message fields.
func (r *OpenSecureChannelRequest) EncodeBody(enc *BinaryEncoder) error {
	if err := r.RequestHeader.encode(enc); err != nil {
		return err
	}
	if err := enc.WriteUInt32(r.ClientProtocolVersion); err != nil {
		return err
	}
	if err := enc.WriteUInt32(uint32(r.RequestType)); err != nil {
		return err
	}
	if err := enc.WriteUInt32(uint32(r.SecurityMode)); err != nil {
		return err
	}
	if err := enc.WriteByteString(r.ClientNonce); err != nil {
		return err
	}
	return enc.WriteUInt32(r.RequestedLifetime)
}

// DecodeBody reads the message fields.
func (r *OpenSecureChannelRequest) DecodeBody(dec *BinaryDecoder) error {
	if err := r.RequestHeader.decode(dec); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&r.ClientProtocolVersion); err != nil {
		return err
	}
	var rt, sm uint32
	if err := dec.ReadUInt32(&rt); err != nil {
		return err
	}
	r.RequestType = SecurityTokenRequestType(rt)
	if err := dec.ReadUInt32(&sm); err != nil {
		return err
	}
	r.SecurityMode = MessageSecurityMode(sm)
	if err := dec.ReadByteString(&r.ClientNonce); err != nil {
		return err
	}
	return dec.ReadUInt32(&r.RequestedLifetime)
}

// OpenSecureChannelResponse delivers a new security token.
type OpenSecureChannelResponse struct {
	ResponseHeader
	ServerProtocolVersion uint32
	SecurityToken         ChannelSecurityToken
	ServerNonce           []byte
}

// Header returns the response header.
func (r *OpenSecureChannelResponse) Header() *ResponseHeader { return &r.ResponseHeader }

// TypeID returns the binary encoding id.
func (r *OpenSecureChannelResponse) TypeID() uint16 { return TypeIDOpenSecureChannelResponse }

// EncodeBody writes the message fields.
func (r *OpenSecureChannelResponse) EncodeBody(enc *BinaryEncoder) error {
	if err := r.ResponseHeader.encode(enc); err != nil {
		return err
	}
	if err := enc.WriteUInt32(r.ServerProtocolVersion); err != nil {
		return err
	}
	if err := enc.WriteUInt32(r.SecurityToken.ChannelID); err != nil {
		return err
	}
	if err := enc.WriteUInt32(r.SecurityToken.TokenID); err != nil {
		return err
	}
	if err := enc.WriteDateTime(r.SecurityToken.CreatedAt); err != nil {
		return err
	}
	if err := enc.WriteUInt32(r.SecurityToken.RevisedLifetime); err != nil {
		return err
	}
	return enc.WriteByteString(r.ServerNonce)
}

// DecodeBody reads the message fields.
func (r *OpenSecureChannelResponse) DecodeBody(dec *BinaryDecoder) error {
	if err := r.ResponseHeader.decode(dec); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&r.ServerProtocolVersion); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&r.SecurityToken.ChannelID); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&r.SecurityToken.TokenID); err != nil {
		return err
	}
	if err := dec.ReadDateTime(&r.SecurityToken.CreatedAt); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&r.SecurityToken.RevisedLifetime); err != nil {
		return err
	}
	return dec.ReadByteString(&r.ServerNonce)
}

// CloseSecureChannelRequest closes a secure channel.
type CloseSecureChannelRequest struct {
	RequestHeader
}

// Header returns the request header.
func (r *CloseSecureChannelRequest) Header() *RequestHeader { return &r.RequestHeader }

// TypeID returns the binary encoding id.
func (r *CloseSecureChannelRequest) TypeID() uint16 { return TypeIDCloseSecureChannelRequest }

// EncodeBody writes the message fields.
func (r *CloseSecureChannelRequest) EncodeBody(enc *BinaryEncoder) error {
	return r.RequestHeader.encode(enc)
}

// DecodeBody reads the message fields.
func (r *CloseSecureChannelRequest) DecodeBody(dec *BinaryDecoder) error {
	return r.RequestHeader.decode(dec)
}

// CloseSecureChannelResponse acknowledges a close. The server does not
// actually send one; the client completes it locally.
type CloseSecureChannelResponse struct {
	ResponseHeader
}

// Header returns the response header.
func (r *CloseSecureChannelResponse) Header() *ResponseHeader { return &r.ResponseHeader }

// TypeID returns the binary encoding id.
func (r *CloseSecureChannelResponse) TypeID() uint16 { return TypeIDCloseSecureChannelResponse }

// EncodeBody writes the message fields.
func (r *CloseSecureChannelResponse) EncodeBody(enc *BinaryEncoder) error {
	return r.ResponseHeader.encode(enc)
}

// DecodeBody reads the message fields.
func (r *CloseSecureChannelResponse) DecodeBody(dec *BinaryDecoder) error {
	return r.ResponseHeader.decode(dec)
}

// EndpointDescription describes one server listener configuration.
type EndpointDescription struct {
	EndpointURL       string
	SecurityPolicyURI string
	SecurityMode      MessageSecurityMode
	SecurityLevel     byte
	ServerCertificate []byte
}

func (e *EndpointDescription) encode(enc *BinaryEncoder) error {
	if err := enc.WriteString(e.EndpointURL); err != nil {
		return err
	}
	if err := enc.WriteString(e.SecurityPolicyURI); err != nil {
		return err
	}
	if err := enc.WriteUInt32(uint32(e.SecurityMode)); err != nil {
		return err
	}
	if err := enc.WriteByte(e.SecurityLevel); err != nil {
		return err
	}
	return enc.WriteByteString(e.ServerCertificate)
}

func (e *EndpointDescription) decode(dec *BinaryDecoder) error {
	if err := dec.ReadString(&e.EndpointURL); err != nil {
		return err
	}
	if err := dec.ReadString(&e.SecurityPolicyURI); err != nil {
		return err
	}
	var sm uint32
	if err := dec.ReadUInt32(&sm); err != nil {
		return err
	}
	e.SecurityMode = MessageSecurityMode(sm)
	if err := dec.ReadByte(&e.SecurityLevel); err != nil {
		return err
	}
	return dec.ReadByteString(&e.ServerCertificate)
}

// GetEndpointsRequest asks a server for its endpoint descriptions.
type GetEndpointsRequest struct {
	RequestHeader
	EndpointURL string
}

// Header returns the request header.
func (r *GetEndpointsRequest) Header() *RequestHeader { return &r.RequestHeader }

// TypeID returns the binary encoding id.
func (r *GetEndpointsRequest) TypeID() uint16 { return TypeIDGetEndpointsRequest }

// EncodeBody writes the message fields.
func (r *GetEndpointsRequest) EncodeBody(enc *BinaryEncoder) error {
	if err := r.RequestHeader.encode(enc); err != nil {
		return err
	}
	return enc.WriteString(r.EndpointURL)
}

// DecodeBody reads the message fields.
func (r *GetEndpointsRequest) DecodeBody(dec *BinaryDecoder) error {
	if err := r.RequestHeader.decode(dec); err != nil {
		return err
	}
	return dec.ReadString(&r.EndpointURL)
}

// GetEndpointsResponse lists the server's endpoint descriptions.
type GetEndpointsResponse struct {
	ResponseHeader
	Endpoints []EndpointDescription
}

// Header returns the response header.
func (r *GetEndpointsResponse) Header() *ResponseHeader { return &r.ResponseHeader }

// TypeID returns the binary encoding id.
func (r *GetEndpointsResponse) TypeID() uint16 { return TypeIDGetEndpointsResponse }

// EncodeBody writes the message fields.
func (r *GetEndpointsResponse) EncodeBody(enc *BinaryEncoder) error {
	if err := r.ResponseHeader.encode(enc); err != nil {
		return err
	}
	if err := enc.WriteInt32(int32(len(r.Endpoints))); err != nil {
		return err
	}
	for i := range r.Endpoints {
		if err := r.Endpoints[i].encode(enc); err != nil {
			return err
		}
	}
	return nil
}

// DecodeBody reads the message fields.
func (r *GetEndpointsResponse) DecodeBody(dec *BinaryDecoder) error {
	if err := r.ResponseHeader.decode(dec); err != nil {
		return err
	}
	var n int32
	if err := dec.ReadInt32(&n); err != nil {
		return err
	}
	if n < 0 {
		r.Endpoints = nil
		return nil
	}
	if n > maxArrayLength {
		return BadEncodingLimitsExceeded
	}
	r.Endpoints = make([]EndpointDescription, n)
	for i := range r.Endpoints {
		if err := r.Endpoints[i].decode(dec); err != nil {
			return err
		}
	}
	return nil
}

// ServiceFault reports a failed service call.
type ServiceFault struct {
	ResponseHeader
}

// Header returns the response header.
func (r *ServiceFault) Header() *ResponseHeader { return &r.ResponseHeader }

// TypeID returns the binary encoding id.
func (r *ServiceFault) TypeID() uint16 { return TypeIDServiceFault }

// EncodeBody writes the message fields.
func (r *ServiceFault) EncodeBody(enc *BinaryEncoder) error {
	return r.ResponseHeader.encode(enc)
}

// DecodeBody reads the message fields.
func (r *ServiceFault) DecodeBody(dec *BinaryDecoder) error {
	return r.ResponseHeader.decode(dec)
}

// TestStackRequest echoes a value through the stack.
type TestStackRequest struct {
	RequestHeader
	TestID    uint32
	Iteration int32
	Input     Variant
}

// Header returns the request header.
func (r *TestStackRequest) Header() *RequestHeader { return &r.RequestHeader }

// TypeID returns the binary encoding id.
func (r *TestStackRequest) TypeID() uint16 { return TypeIDTestStackRequest }

// EncodeBody writes the message fields.
func (r *TestStackRequest) EncodeBody(enc *BinaryEncoder) error {
	if err := r.RequestHeader.encode(enc); err != nil {
		return err
	}
	if err := enc.WriteUInt32(r.TestID); err != nil {
		return err
	}
	if err := enc.WriteInt32(r.Iteration); err != nil {
		return err
	}
	return enc.WriteVariant(r.Input)
}

// DecodeBody reads the message fields.
func (r *TestStackRequest) DecodeBody(dec *BinaryDecoder) error {
	if err := r.RequestHeader.decode(dec); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&r.TestID); err != nil {
		return err
	}
	if err := dec.ReadInt32(&r.Iteration); err != nil {
		return err
	}
	return dec.ReadVariant(&r.Input)
}

// TestStackResponse carries the echoed value back.
type TestStackResponse struct {
	ResponseHeader
	Output Variant
}

// Header returns the response header.
func (r *TestStackResponse) Header() *ResponseHeader { return &r.ResponseHeader }

// TypeID returns the binary encoding id.
func (r *TestStackResponse) TypeID() uint16 { return TypeIDTestStackResponse }

// EncodeBody writes the message fields.
func (r *TestStackResponse) EncodeBody(enc *BinaryEncoder) error {
	if err := r.ResponseHeader.encode(enc); err != nil {
		return err
	}
	return enc.WriteVariant(r.Output)
}

// DecodeBody reads the message fields.
func (r *TestStackResponse) DecodeBody(dec *BinaryDecoder) error {
	if err := r.ResponseHeader.decode(dec); err != nil {
		return err
	}
	return dec.ReadVariant(&r.Output)
}
