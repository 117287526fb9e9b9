// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package rpc

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// ClusterKey authenticates peers with a shared secret before accepting
// RPCs. It never leaves the process; only MACs over envelope contents
// cross the wire.
type ClusterKey []byte

// Sign produces the MAC a sender attaches to an Envelope.
func (k ClusterKey) Sign(reqID, service, method string, payload []byte) []byte {
	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(reqID))
	mac.Write([]byte(service))
	mac.Write([]byte(method))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Verify reports whether mac matches the expected signature, in constant
// time.
func (k ClusterKey) Verify(reqID, service, method string, payload, mac []byte) bool {
	want := k.Sign(reqID, service, method, payload)
	return subtle.ConstantTimeCompare(want, mac) == 1
}
