// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package secretval generates the secret values the provisioning
// sequence stores in Secret Manager: the web UI signing key and the
// database connection URL.
//
// Values are held in memguard locked buffers from the moment they are
// generated until they have been persisted externally, then destroyed.
// Locked buffers are mlocked against swapping and carry guard pages
// and canaries, so a generated credential never lingers in reusable
// heap memory. The invariant from the deployment design holds here: a
// secret value is generated once, persisted to the external store, and
// discarded from local memory — never regenerated implicitly.
package secretval

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

const (
	// signingKeyBytes is the entropy of the web UI signing key.
	signingKeyBytes = 32

	// passwordBytes is the entropy of the generated database password.
	passwordBytes = 16
)

var initOnce sync.Once

// initGuard installs memguard's interrupt handler so buffers are wiped
// on SIGINT before the process dies.
func initGuard() {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
	})
}

// NewSigningKey returns a fresh hex-encoded 256-bit signing key in a
// locked buffer. The caller owns the buffer and must Destroy it after
// the value has been persisted.
func NewSigningKey() *memguard.LockedBuffer {
	initGuard()
	return hexBuffer(signingKeyBytes)
}

// NewPassword returns a fresh hex-encoded database password in a
// locked buffer. Hex keeps the value URL-safe without escaping.
func NewPassword() *memguard.LockedBuffer {
	initGuard()
	return hexBuffer(passwordBytes)
}

// hexBuffer generates n random bytes and returns their hex encoding
// in a locked buffer. The raw entropy buffer is destroyed before
// returning.
func hexBuffer(n int) *memguard.LockedBuffer {
	raw := memguard.NewBufferRandom(n)
	defer raw.Destroy()
	encoded := make([]byte, hex.EncodedLen(raw.Size()))
	hex.Encode(encoded, raw.Bytes())
	// NewBufferFromBytes wipes the source slice after copying.
	return memguard.NewBufferFromBytes(encoded)
}

// BuildDatabaseURL constructs the Cloud SQL connection URL the
// deployed service consumes, using the unix socket path convention:
//
//	postgresql://{user}:{password}@/{database}?host=/cloudsql/{connectionName}
//
// The password buffer is read but not consumed; the returned buffer is
// a new locked allocation owned by the caller.
func BuildDatabaseURL(user string, password *memguard.LockedBuffer, database, connectionName string) (*memguard.LockedBuffer, error) {
	initGuard()
	if user == "" || database == "" || connectionName == "" {
		return nil, fmt.Errorf("database URL requires user, database, and connection name")
	}
	if password == nil || !password.IsAlive() {
		return nil, fmt.Errorf("database URL requires a live password buffer")
	}
	url := fmt.Sprintf("postgresql://%s:%s@/%s?host=/cloudsql/%s",
		user, password.String(), database, connectionName)
	return memguard.NewBufferFromBytes([]byte(url)), nil
}

// Purge destroys every live locked buffer. Called by commands on exit
// paths where individual Destroy calls cannot be guaranteed.
func Purge() {
	memguard.Purge()
}
