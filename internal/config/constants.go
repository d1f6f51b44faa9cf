package config

import "time"

const (
	AppName = "serialhub"

	// MinSecretLength applies to the crypto secret, the pepper and the
	// admin token secret.
	MinSecretLength = 32

	// scrypt cost parameters for serial encryption keys
	DefaultScryptN = 32768
	DefaultScryptR = 8
	DefaultScryptP = 1

	DefaultLockTimeout   = 30 * time.Second
	DefaultSweepInterval = time.Hour
)
