// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package auth

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated,
// e.g. registering a username that is already taken.
var ErrDuplicate = errors.New("already exists")
