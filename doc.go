// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lwm2m implements the core of a dual-role LwM2M device management
// engine on top of CoAP (RFC 7252): the CoAP transaction engine, the
// blockwise transfer engine (draft-ietf-core-block), and the request
// dispatcher that ties them together.
//
// The engine is passive: callers feed it bytes (HandlePacket) and ticks
// (Step), it emits bytes through a caller-supplied send callback and
// invokes callbacks registered on transactions. It does not open sockets,
// does not serialize LwM2M object TLV, and does not discover peers — those
// are the host's responsibility. See lwm2m/transport and lwm2m/objectstore
// for reference implementations of those external collaborators.
package lwm2m
