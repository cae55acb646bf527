// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import "crypto/subtle"

// communityMatches compares in constant time, so a community cannot be
// guessed byte by byte from response timing.
func communityMatches(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
