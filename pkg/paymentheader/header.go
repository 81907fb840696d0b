// Package paymentheader implements the wire codec for the single HTTP header
// that carries the payment protocol payload (spec §4.3): base64url over a
// JSON object with big integers serialized as decimal strings so precision
// survives the trip through JSON's float64-shaped number type.
//
// The naming convention for the header constant and the payload shape follow
// the teacher SDK's payment/headers.go, adapted from gRPC metadata keys to a
// single application header.
package paymentheader

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/paymentkit/paymentkit/pkg/subrav"
)

// HeaderName is the single application-defined HTTP header carrying the
// payment payload.
const HeaderName = "X-Payment-Channel"

// ProtocolVersion is the only payload version this codec emits/accepts.
const ProtocolVersion = 1

// bigIntString round-trips a *big.Int through JSON as a decimal string.
type bigIntString struct{ *big.Int }

func (b bigIntString) MarshalJSON() ([]byte, error) {
	if b.Int == nil {
		return []byte(`"0"`), nil
	}
	return json.Marshal(b.Int.String())
}

func (b *bigIntString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("paymentheader: amount must be a decimal string: %w", err)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("paymentheader: invalid decimal integer %q", s)
	}
	b.Int = v
	return nil
}

// wireSignedSubRAV is the on-wire shape of a SignedSubRAV: fields match
// subrav.SubRAV but with JSON-friendly types (hex channel id, decimal
// amount, base64url signature).
type wireSignedSubRAV struct {
	Version           uint8        `json:"version"`
	ChainID           uint64       `json:"chainId,string"`
	ChannelID         string       `json:"channelId"`
	ChannelEpoch      uint64       `json:"channelEpoch,string"`
	VMIDFragment      string       `json:"vmIdFragment"`
	AccumulatedAmount bigIntString `json:"accumulatedAmount"`
	Nonce             uint64       `json:"nonce,string"`
	Signature         string       `json:"signature"`
}

func toWire(s subrav.SignedSubRAV) wireSignedSubRAV {
	return wireSignedSubRAV{
		Version:           s.SubRAV.Version,
		ChainID:           s.SubRAV.ChainID,
		ChannelID:         subrav.ChannelIDHex(s.SubRAV.ChannelID),
		ChannelEpoch:      s.SubRAV.ChannelEpoch,
		VMIDFragment:      s.SubRAV.VMIDFragment,
		AccumulatedAmount: bigIntString{s.SubRAV.AccumulatedAmount},
		Nonce:             s.SubRAV.Nonce,
		Signature:         base64.URLEncoding.EncodeToString(s.Signature),
	}
}

func fromWire(w wireSignedSubRAV) (subrav.SignedSubRAV, error) {
	id, err := subrav.ChannelIDFromHex(w.ChannelID)
	if err != nil {
		return subrav.SignedSubRAV{}, err
	}
	sig, err := base64.URLEncoding.DecodeString(w.Signature)
	if err != nil {
		return subrav.SignedSubRAV{}, fmt.Errorf("paymentheader: invalid signature encoding: %w", err)
	}
	return subrav.SignedSubRAV{
		SubRAV: subrav.SubRAV{
			Version:           w.Version,
			ChainID:           w.ChainID,
			ChannelID:         id,
			ChannelEpoch:      w.ChannelEpoch,
			VMIDFragment:      w.VMIDFragment,
			AccumulatedAmount: w.AccumulatedAmount.Int,
			Nonce:             w.Nonce,
		},
		Signature: sig,
	}, nil
}

// wireUnsignedSubRAV mirrors wireSignedSubRAV without a signature, used for
// the server's next proposal in a ResponsePayload.
type wireUnsignedSubRAV struct {
	Version           uint8        `json:"version"`
	ChainID           uint64       `json:"chainId,string"`
	ChannelID         string       `json:"channelId"`
	ChannelEpoch      uint64       `json:"channelEpoch,string"`
	VMIDFragment      string       `json:"vmIdFragment"`
	AccumulatedAmount bigIntString `json:"accumulatedAmount"`
	Nonce             uint64       `json:"nonce,string"`
}

func toWireUnsigned(r subrav.SubRAV) wireUnsignedSubRAV {
	return wireUnsignedSubRAV{
		Version:           r.Version,
		ChainID:           r.ChainID,
		ChannelID:         subrav.ChannelIDHex(r.ChannelID),
		ChannelEpoch:      r.ChannelEpoch,
		VMIDFragment:      r.VMIDFragment,
		AccumulatedAmount: bigIntString{r.AccumulatedAmount},
		Nonce:             r.Nonce,
	}
}

func fromWireUnsigned(w wireUnsignedSubRAV) (subrav.SubRAV, error) {
	id, err := subrav.ChannelIDFromHex(w.ChannelID)
	if err != nil {
		return subrav.SubRAV{}, err
	}
	return subrav.SubRAV{
		Version:           w.Version,
		ChainID:           w.ChainID,
		ChannelID:         id,
		ChannelEpoch:      w.ChannelEpoch,
		VMIDFragment:      w.VMIDFragment,
		AccumulatedAmount: w.AccumulatedAmount.Int,
		Nonce:             w.Nonce,
	}, nil
}

// RequestPayload is the shape carried by the header on an outbound client
// request (spec §4.3).
type RequestPayload struct {
	Version      int
	SignedSubRAV *subrav.SignedSubRAV
	MaxAmount    *big.Int
	ClientTxRef  string
}

type wireRequestPayload struct {
	Version      int                `json:"version"`
	SignedSubRAV *wireSignedSubRAV  `json:"signedSubRav,omitempty"`
	MaxAmount    bigIntString       `json:"maxAmount"`
	ClientTxRef  string             `json:"clientTxRef"`
}

// EncodeRequest renders a RequestPayload as a base64url(JSON) header value.
func EncodeRequest(p RequestPayload) (string, error) {
	w := wireRequestPayload{
		Version:     ProtocolVersion,
		MaxAmount:   bigIntString{p.MaxAmount},
		ClientTxRef: p.ClientTxRef,
	}
	if p.SignedSubRAV != nil {
		wv := toWire(*p.SignedSubRAV)
		w.SignedSubRAV = &wv
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("paymentheader: marshaling request payload: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeRequest parses a base64url(JSON) header value into a RequestPayload.
// Unknown fields are ignored, per spec §4.3.
func DecodeRequest(header string) (RequestPayload, error) {
	var out RequestPayload
	data, err := base64.URLEncoding.DecodeString(header)
	if err != nil {
		return out, fmt.Errorf("paymentheader: invalid base64url: %w", err)
	}
	var w wireRequestPayload
	if err := json.Unmarshal(data, &w); err != nil {
		return out, fmt.Errorf("paymentheader: invalid JSON: %w", err)
	}
	out.Version = w.Version
	out.MaxAmount = w.MaxAmount.Int
	out.ClientTxRef = w.ClientTxRef
	if w.SignedSubRAV != nil {
		signed, err := fromWire(*w.SignedSubRAV)
		if err != nil {
			return out, err
		}
		out.SignedSubRAV = &signed
	}
	return out, nil
}

// ResponsePayload is the shape carried by the header on a response (spec §4.3).
type ResponsePayload struct {
	SubRAV        *subrav.SubRAV
	AmountDebited *big.Int
	ClientTxRef   string
	ServiceTxRef  string
	ErrorCode     int
	Message       string
}

type wireResponsePayload struct {
	Version       int                 `json:"version"`
	SubRAV        *wireUnsignedSubRAV `json:"subRav,omitempty"`
	AmountDebited bigIntString        `json:"amountDebited"`
	ClientTxRef   string              `json:"clientTxRef"`
	ServiceTxRef  string              `json:"serviceTxRef,omitempty"`
	ErrorCode     int                 `json:"errorCode"`
	Message       string              `json:"message,omitempty"`
}

// EncodeResponse renders a ResponsePayload as a base64url(JSON) header value.
func EncodeResponse(p ResponsePayload) (string, error) {
	w := wireResponsePayload{
		Version:       ProtocolVersion,
		AmountDebited: bigIntString{p.AmountDebited},
		ClientTxRef:   p.ClientTxRef,
		ServiceTxRef:  p.ServiceTxRef,
		ErrorCode:     p.ErrorCode,
		Message:       p.Message,
	}
	if p.SubRAV != nil {
		wv := toWireUnsigned(*p.SubRAV)
		w.SubRAV = &wv
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("paymentheader: marshaling response payload: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeResponse parses a base64url(JSON) header value into a ResponsePayload.
func DecodeResponse(header string) (ResponsePayload, error) {
	var out ResponsePayload
	data, err := base64.URLEncoding.DecodeString(header)
	if err != nil {
		return out, fmt.Errorf("paymentheader: invalid base64url: %w", err)
	}
	var w wireResponsePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return out, fmt.Errorf("paymentheader: invalid JSON: %w", err)
	}
	out.AmountDebited = w.AmountDebited.Int
	out.ClientTxRef = w.ClientTxRef
	out.ServiceTxRef = w.ServiceTxRef
	out.ErrorCode = w.ErrorCode
	out.Message = w.Message
	if w.SubRAV != nil {
		r, err := fromWireUnsigned(*w.SubRAV)
		if err != nil {
			return out, err
		}
		out.SubRAV = &r
	}
	return out, nil
}
