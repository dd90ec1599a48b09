// Copyright 2024 The Dwell Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package actor provides a simple actor system. It's a framework that can poll
// many actors concurrently, while within one actor messages are handled by a
// single worker at a time.
//
// A Router sends messages to mailboxes and schedules their procs onto a ready
// queue. System workers dequeue ready procs, drain a batch of messages from
// the mailbox and hand them to Actor.Poll. A proc is never held by two
// workers at once, which is what gives every actor its single logical thread
// of control.
package actor
