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

package errors

import (
	"github.com/pingcap/errors"
)

// errors
var (
	// actor related errors
	ErrMailboxFull = errors.Normalize(
		"mailbox is full, please try again",
		errors.RFCCodeText("DWELL:ErrMailboxFull"),
	)
	ErrActorDuplicate = errors.Normalize(
		"duplicated actor",
		errors.RFCCodeText("DWELL:ErrActorDuplicate"),
	)
	ErrActorNotFound = errors.Normalize(
		"actor not found",
		errors.RFCCodeText("DWELL:ErrActorNotFound"),
	)
	ErrActorStopped = errors.Normalize(
		"actor stopped",
		errors.RFCCodeText("DWELL:ErrActorStopped"),
	)
	ErrSystemStopped = errors.Normalize(
		"actor system stopped",
		errors.RFCCodeText("DWELL:ErrSystemStopped"),
	)

	// storage related errors
	ErrStorageClosed = errors.Normalize(
		"storage is closed",
		errors.RFCCodeText("DWELL:ErrStorageClosed"),
	)
	ErrCommitFailed = errors.Normalize(
		"durable commit failed: %s",
		errors.RFCCodeText("DWELL:ErrCommitFailed"),
	)
	ErrStaleLease = errors.Normalize(
		"storage lease superseded, lease %d, current %d",
		errors.RFCCodeText("DWELL:ErrStaleLease"),
	)
	ErrBookmarkInvalid = errors.Normalize(
		"bookmark is invalid: %s",
		errors.RFCCodeText("DWELL:ErrBookmarkInvalid"),
	)
	ErrBookmarkExpired = errors.Normalize(
		"bookmark %s is beyond the retained history",
		errors.RFCCodeText("DWELL:ErrBookmarkExpired"),
	)

	// instance related errors
	ErrInstanceOverloaded = errors.Normalize(
		"instance is overloaded: %s",
		errors.RFCCodeText("DWELL:ErrInstanceOverloaded"),
	)
	ErrInstanceTornDown = errors.Normalize(
		"instance torn down",
		errors.RFCCodeText("DWELL:ErrInstanceTornDown"),
	)
	ErrBarrierTimeout = errors.Normalize(
		"initialization barrier timed out after %s",
		errors.RFCCodeText("DWELL:ErrBarrierTimeout"),
	)
	ErrHandlerFault = errors.Normalize(
		"handler fault: %s",
		errors.RFCCodeText("DWELL:ErrHandlerFault"),
	)
	ErrIdentityInvalid = errors.Normalize(
		"actor identity is invalid: %s",
		errors.RFCCodeText("DWELL:ErrIdentityInvalid"),
	)

	// alarm related errors
	ErrAlarmRetryExhausted = errors.Normalize(
		"alarm retry attempts exhausted after %d tries",
		errors.RFCCodeText("DWELL:ErrAlarmRetryExhausted"),
	)

	// session related errors
	ErrSessionNotFound = errors.Normalize(
		"session not found, handle: %s",
		errors.RFCCodeText("DWELL:ErrSessionNotFound"),
	)
	ErrSessionDuplicate = errors.Normalize(
		"session already admitted, handle: %s",
		errors.RFCCodeText("DWELL:ErrSessionDuplicate"),
	)
	ErrAttachmentTooLarge = errors.Normalize(
		"session attachment exceeds %d bytes",
		errors.RFCCodeText("DWELL:ErrAttachmentTooLarge"),
	)

	// config related errors
	ErrIllegalRuntimeParameter = errors.Normalize(
		"illegal runtime parameter: %s",
		errors.RFCCodeText("DWELL:ErrIllegalRuntimeParameter"),
	)
	ErrDecodeRecord = errors.Normalize(
		"decode persisted record failed",
		errors.RFCCodeText("DWELL:ErrDecodeRecord"),
	)
)
