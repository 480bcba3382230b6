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
	"fmt"
	"time"

	log "github.com/AlexStocks/log4go"
)

// MySQLPacketCodec is the getty ReadWriter a Session is configured with:
// it frames/deframes MySQLPackage values off the wire, leaving everything
// past the 4-byte header to protoconn.Endpoint and GatewayMessageHandler.
// It never inspects packet bodies itself — that is the protocol engine's
// job, not the codec's.
type MySQLPacketCodec struct {
}

func NewMySQLPacketCodec() *MySQLPacketCodec {
	return &MySQLPacketCodec{}
}

func (h *MySQLPacketCodec) Read(ss Session, data []byte) (interface{}, int, error) {
	var pkg MySQLPackage

	buf := bytes.NewBuffer(data)
	packetLen, err := pkg.Unmarshal(buf)
	if err != nil {
		if err == ErrNotEnoughStream {
			return nil, 0, nil
		}
		log.Error("mysql packet codec: Unmarshal(%s) = error{%s}", ss.Stat(), err)
		return nil, 0, err
	}

	return &pkg, packetLen, nil
}

func (h *MySQLPacketCodec) Write(ss Session, pkg interface{}) ([]byte, error) {
	startTime := time.Now()
	mysqlPkg, ok := pkg.(*MySQLPackage)
	if !ok {
		log.Error("mysql packet codec: illegal pkg:%+v", pkg)
		return nil, fmt.Errorf("mysql packet codec: illegal pkg type %T", pkg)
	}

	buf, err := mysqlPkg.Marshal()
	if err != nil {
		log.Warn("mysql packet codec: Marshal(%#v) = error{%s}", mysqlPkg, err)
		return nil, err
	}

	log.Debug("mysql packet codec: write took %s", time.Since(startTime).String())

	return buf.Bytes(), nil
}
