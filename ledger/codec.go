/*
 * Copyright 2024-2026 Avellum
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ledger

// Fixed binary snapshot layout for each record type. External readers decode
// record snapshots without calling into the service, so field order and
// widths are wire-stable: an 8-byte type discriminator, little-endian
// fixed-width fields in declaration order, and a trailing bump byte.

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/avellum/ledger/pda"
)

const recordDiscriminatorLen = 8

var (
	protocolStateDiscriminator = recordDiscriminator("ProtocolState")
	agentDiscriminator         = recordDiscriminator("Agent")
	verifierDiscriminator      = recordDiscriminator("Verifier")
	ratingDiscriminator        = recordDiscriminator("Rating")
)

// Encoded snapshot sizes in bytes
const (
	ProtocolStateRecordLen = recordDiscriminatorLen + pda.AddressLength + 4 + 8 + 1
	AgentRecordLen         = recordDiscriminatorLen + pda.AddressLength + 8 + 8 + 4 + 1 + 1
	VerifierRecordLen      = recordDiscriminatorLen + pda.AddressLength + 8 + 1
	RatingRecordLen        = recordDiscriminatorLen + 2*pda.AddressLength + 1 + 8 + 8 + 1
)

func recordDiscriminator(name string) []byte {
	digest := sha256.Sum256([]byte("account:" + name))
	return digest[:recordDiscriminatorLen]
}

type recordEncoder struct {
	buf *bytes.Buffer
	err error
}

func newRecordEncoder(discriminator []byte) *recordEncoder {
	enc := &recordEncoder{buf: &bytes.Buffer{}}
	enc.buf.Write(discriminator)
	return enc
}

func (enc *recordEncoder) writeAddress(hexAddr *string) {
	if enc.err != nil {
		return
	}
	if hexAddr == nil {
		enc.err = fmt.Errorf("cannot encode record; nil address field")
		return
	}
	addr, err := pda.ParseAddress(*hexAddr)
	if err != nil {
		enc.err = err
		return
	}
	enc.buf.Write(addr.Bytes())
}

func (enc *recordEncoder) write(val interface{}) {
	if enc.err != nil {
		return
	}
	enc.err = binary.Write(enc.buf, binary.LittleEndian, val)
}

func (enc *recordEncoder) bytes() ([]byte, error) {
	if enc.err != nil {
		return nil, enc.err
	}
	return enc.buf.Bytes(), nil
}

type recordDecoder struct {
	buf *bytes.Reader
	err error
}

func newRecordDecoder(raw, discriminator []byte, expectedLen int) *recordDecoder {
	dec := &recordDecoder{buf: bytes.NewReader(raw)}
	if len(raw) != expectedLen {
		dec.err = fmt.Errorf("cannot decode record; expected %d bytes, got %d", expectedLen, len(raw))
		return dec
	}
	if !bytes.Equal(raw[:recordDiscriminatorLen], discriminator) {
		dec.err = fmt.Errorf("cannot decode record; discriminator mismatch")
		return dec
	}
	dec.buf.Seek(recordDiscriminatorLen, 0)
	return dec
}

func (dec *recordDecoder) readAddress() *string {
	if dec.err != nil {
		return nil
	}
	raw := make([]byte, pda.AddressLength)
	if _, err := dec.buf.Read(raw); err != nil {
		dec.err = err
		return nil
	}
	addr, err := pda.AddressFromBytes(raw)
	if err != nil {
		dec.err = err
		return nil
	}
	hexAddr := addr.Hex()
	return &hexAddr
}

func (dec *recordDecoder) read(val interface{}) {
	if dec.err != nil {
		return
	}
	dec.err = binary.Read(dec.buf, binary.LittleEndian, val)
}

// RecordAddress returns the record's derived address
func (s *ProtocolState) RecordAddress() (*string, error) {
	if s.Address == nil {
		return nil, fmt.Errorf("protocol state has no derived address")
	}
	return s.Address, nil
}

// MarshalRecord encodes the protocol state snapshot
func (s *ProtocolState) MarshalRecord() ([]byte, error) {
	enc := newRecordEncoder(protocolStateDiscriminator)
	enc.writeAddress(s.Authority)
	enc.write(s.TotalAgents)
	enc.write(s.TotalRatings)
	enc.write(s.Bump)
	return enc.bytes()
}

// UnmarshalProtocolStateRecord decodes a protocol state snapshot
func UnmarshalProtocolStateRecord(raw []byte) (*ProtocolState, error) {
	dec := newRecordDecoder(raw, protocolStateDiscriminator, ProtocolStateRecordLen)
	state := &ProtocolState{}
	state.Authority = dec.readAddress()
	dec.read(&state.TotalAgents)
	dec.read(&state.TotalRatings)
	dec.read(&state.Bump)
	if dec.err != nil {
		return nil, dec.err
	}

	addr, err := pda.DeriveWithBump(NamespaceProtocol, state.Bump)
	if err != nil {
		return nil, err
	}
	hexAddr := addr.Hex()
	state.Address = &hexAddr
	return state, nil
}

// RecordAddress returns the record's derived address
func (a *Agent) RecordAddress() (*string, error) {
	if a.Address == nil {
		return nil, fmt.Errorf("agent has no derived address")
	}
	return a.Address, nil
}

// MarshalRecord encodes the agent snapshot
func (a *Agent) MarshalRecord() ([]byte, error) {
	enc := newRecordEncoder(agentDiscriminator)
	enc.writeAddress(a.Identity)
	enc.write(a.TrustScore)
	enc.write(a.TotalWeight)
	enc.write(a.RatingCount)
	enc.write(a.Confidence)
	enc.write(a.Bump)
	return enc.bytes()
}

// UnmarshalAgentRecord decodes an agent snapshot
func UnmarshalAgentRecord(raw []byte) (*Agent, error) {
	dec := newRecordDecoder(raw, agentDiscriminator, AgentRecordLen)
	agent := &Agent{}
	agent.Identity = dec.readAddress()
	dec.read(&agent.TrustScore)
	dec.read(&agent.TotalWeight)
	dec.read(&agent.RatingCount)
	dec.read(&agent.Confidence)
	dec.read(&agent.Bump)
	if dec.err != nil {
		return nil, dec.err
	}

	identity, err := pda.ParseAddress(*agent.Identity)
	if err != nil {
		return nil, err
	}
	addr, err := pda.DeriveWithBump(NamespaceAgent, agent.Bump, identity.Bytes())
	if err != nil {
		return nil, err
	}
	hexAddr := addr.Hex()
	agent.Address = &hexAddr
	return agent, nil
}

// RecordAddress returns the record's derived address
func (v *Verifier) RecordAddress() (*string, error) {
	if v.Address == nil {
		return nil, fmt.Errorf("verifier has no derived address")
	}
	return v.Address, nil
}

// MarshalRecord encodes the verifier snapshot
func (v *Verifier) MarshalRecord() ([]byte, error) {
	enc := newRecordEncoder(verifierDiscriminator)
	enc.writeAddress(v.Authority)
	enc.write(v.StakedAmount)
	enc.write(v.Bump)
	return enc.bytes()
}

// UnmarshalVerifierRecord decodes a verifier snapshot
func UnmarshalVerifierRecord(raw []byte) (*Verifier, error) {
	dec := newRecordDecoder(raw, verifierDiscriminator, VerifierRecordLen)
	verifier := &Verifier{}
	verifier.Authority = dec.readAddress()
	dec.read(&verifier.StakedAmount)
	dec.read(&verifier.Bump)
	if dec.err != nil {
		return nil, dec.err
	}

	authority, err := pda.ParseAddress(*verifier.Authority)
	if err != nil {
		return nil, err
	}
	addr, err := pda.DeriveWithBump(NamespaceVerifier, verifier.Bump, authority.Bytes())
	if err != nil {
		return nil, err
	}
	hexAddr := addr.Hex()
	verifier.Address = &hexAddr
	return verifier, nil
}

// RecordAddress returns the record's derived address
func (r *Rating) RecordAddress() (*string, error) {
	if r.Address == nil {
		return nil, fmt.Errorf("rating has no derived address")
	}
	return r.Address, nil
}

// MarshalRecord encodes the rating snapshot
func (r *Rating) MarshalRecord() ([]byte, error) {
	enc := newRecordEncoder(ratingDiscriminator)
	enc.writeAddress(r.Authority)
	enc.writeAddress(r.Agent)
	enc.write(r.Score)
	enc.write(r.StakedWeight)
	enc.write(r.RatedAt.Unix())
	enc.write(r.Bump)
	return enc.bytes()
}

// UnmarshalRatingRecord decodes a rating snapshot
func UnmarshalRatingRecord(raw []byte) (*Rating, error) {
	dec := newRecordDecoder(raw, ratingDiscriminator, RatingRecordLen)
	rating := &Rating{}
	rating.Authority = dec.readAddress()
	rating.Agent = dec.readAddress()
	dec.read(&rating.Score)
	dec.read(&rating.StakedWeight)
	var ratedAt int64
	dec.read(&ratedAt)
	dec.read(&rating.Bump)
	if dec.err != nil {
		return nil, dec.err
	}
	rating.RatedAt = time.Unix(ratedAt, 0).UTC()

	authority, err := pda.ParseAddress(*rating.Authority)
	if err != nil {
		return nil, err
	}
	agentRecord, err := pda.ParseAddress(*rating.Agent)
	if err != nil {
		return nil, err
	}
	addr, err := pda.DeriveWithBump(NamespaceRating, rating.Bump, authority.Bytes(), agentRecord.Bytes())
	if err != nil {
		return nil, err
	}
	hexAddr := addr.Hex()
	rating.Address = &hexAddr
	return rating, nil
}
