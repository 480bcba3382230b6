/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package net

import (
	"bytes"

	jerrors "github.com/juju/errors"

	"github.com/mxgateway/gateway/codec"
)

// ErrNotEnoughStream signals that the getty pkg handler has not yet
// buffered a complete physical MySQL packet; it is not a protocol error,
// just a request for more bytes on the next Read.
var ErrNotEnoughStream = jerrors.New("not enough stream to unmarshal a MySQL packet")

// MySQLPkgHeader is the 4-byte header every MySQL packet starts with: a
// 3-byte little-endian payload length followed by a 1-byte sequence id.
type MySQLPkgHeader struct {
	PacketLength []byte // 3 bytes
	PacketId     byte
}

// MySQLPackage is one physical MySQL packet as it moves through the getty
// pkg handler: header plus raw payload bytes. It does not handle the
// 0xFFFFFF continuation scheme: GatewayMessageHandler receives each
// physical packet on its own, and continuation packets are not joined
// into one command on this path.
type MySQLPackage struct {
	Header MySQLPkgHeader
	Body   []byte
}

// Marshal frames the package back into the 4-byte-header wire format.
func (p MySQLPackage) Marshal() (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	buf.Write(p.Header.PacketLength)
	buf.WriteByte(p.Header.PacketId)
	buf.Write(p.Body)
	return buf, nil
}

// Unmarshal reads one physical packet from buf, returning the number of
// bytes consumed. It returns ErrNotEnoughStream (not a real error) when
// buf does not yet hold a complete header-plus-payload.
func (p *MySQLPackage) Unmarshal(buf *bytes.Buffer) (int, error) {
	data := buf.Bytes()
	if len(data) < codec.HeaderLength {
		return 0, ErrNotEnoughStream
	}

	hdr, err := codec.ReadPacketHeader(data)
	if err != nil {
		return 0, ErrNotEnoughStream
	}

	need := codec.HeaderLength + int(hdr.Length)
	if len(data) < need {
		return 0, ErrNotEnoughStream
	}

	p.Header.PacketLength = append([]byte{}, data[0:3]...)
	p.Header.PacketId = data[3]
	p.Body = append([]byte{}, data[codec.HeaderLength:need]...)
	return need, nil
}
