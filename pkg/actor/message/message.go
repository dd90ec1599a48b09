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

package message

// Type is the type of Message.
type Type int

// types of Message.
const (
	TypeUnknown Type = iota
	TypeValue
	TypeTick
	TypeStop
)

// Message is a vehicle for transferring information between actors.
type Message[T any] struct {
	// Tp is the type of message.
	Tp Type
	// Value is the payload of a value message. It is only valid when Tp is
	// TypeValue.
	Value T
}

// ValueMessage creates the value of message type.
func ValueMessage[T any](v T) Message[T] {
	return Message[T]{
		Tp:    TypeValue,
		Value: v,
	}
}

// TickMessage creates the value of tick message type.
func TickMessage[T any]() Message[T] {
	return Message[T]{
		Tp: TypeTick,
	}
}

// StopMessage creates the value of stop message type.
func StopMessage[T any]() Message[T] {
	return Message[T]{
		Tp: TypeStop,
	}
}
