// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the story service configuration.
//
// This file implements sealed storage for API keys and signing secrets.
// Values are moved into memguard enclaves at load time so they never sit
// in plain heap memory between uses and cannot be swapped to disk.
package config

import (
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
// Secrets here are short API keys; 64 KB covers the enclave overhead.
const MinMlockLimitKB = 64

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient records whether the kernel limit allows locked pages.
	mlockSufficient bool

	// currentMlockLimitKB stores the current mlock limit for logging.
	currentMlockLimitKB int64
)

// initMemguard performs one-time memguard setup and checks mlock limits.
// Called on the first secret sealed; subsequent calls are no-ops.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit below recommended floor, sealed secrets may be swappable",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		}
	})
}

// checkMlockLimit queries RLIMIT_MEMLOCK and compares it to the floor.
// Returns (sufficient, limit in KB; -1 if unlimited or unknown).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// Secret is a sealed credential. The zero value is unusable; construct
// via NewSecret or SecretFromEnv. A nil *Secret means "not configured"
// and is safe to call IsSet on.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals value into an enclave. The caller should not retain
// other copies of value.
func NewSecret(value string) *Secret {
	if value == "" {
		return nil
	}
	initMemguard()
	return &Secret{enclave: memguard.NewEnclave([]byte(value))}
}

// SecretFromEnv seals the named environment variable, returning nil when
// it is unset or empty.
func SecretFromEnv(key string) *Secret {
	return NewSecret(os.Getenv(key))
}

// IsSet reports whether a credential was configured.
func (s *Secret) IsSet() bool {
	return s != nil && s.enclave != nil
}

// Reveal opens the enclave and returns the credential as a string for
// handoff to an SDK that requires one. The sealed copy stays protected;
// the returned string is ordinary memory, so reveal as late as possible
// and do not cache it.
func (s *Secret) Reveal() string {
	if !s.IsSet() {
		return ""
	}
	buf, err := s.enclave.Open()
	if err != nil {
		slog.Error("Failed to open sealed secret", "error", err)
		return ""
	}
	defer buf.Destroy()
	return string(buf.Bytes())
}

// RevealBytes opens the enclave and copies the credential out for callers
// that sign with raw key bytes (JWT HS256).
func (s *Secret) RevealBytes() []byte {
	if !s.IsSet() {
		return nil
	}
	buf, err := s.enclave.Open()
	if err != nil {
		slog.Error("Failed to open sealed secret", "error", err)
		return nil
	}
	defer buf.Destroy()
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

// PurgeSecrets wipes every enclave and session key. Call on shutdown.
func PurgeSecrets() {
	memguard.Purge()
}
