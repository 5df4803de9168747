// Copyright the kadmesh authors.
//
// This file is part of kadmesh.
//
// kadmesh is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// kadmesh is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.

package kad

import "time"

// K is the replication/fan-out width constant (spec.md §6).
const K = 6

// MaxQuery bounds in-flight probes per lookup.
const MaxQuery = 3

// QueryTimeout is the default per-probe timeout.
const QueryTimeout = 3 * time.Second

// RestoreInterval paces the republication sweep.
const RestoreInterval = 360 * time.Second

// TimerInterval paces the expiry sweep.
const TimerInterval = 180 * time.Second

// ProxyRegisterTimeout bounds a proxy client's registration attempt.
const ProxyRegisterTimeout = 2 * time.Second

// ProxyGetTimeout bounds a proxy client's get request.
const ProxyGetTimeout = 10 * time.Second

// JoinRetryInterval is how soon the join loop wakes again while the
// routing table remains empty.
const JoinRetryInterval = 3 * time.Second

// JoinIdleInterval is how soon the join loop wakes once the routing
// table is populated, just to notice if it empties out again.
const JoinIdleInterval = 60 * time.Second
