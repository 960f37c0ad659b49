package util

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const localIDPrefix = "local-"

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// LocalID returns the placeholder id given to records created while offline.
func LocalID(now time.Time) string {
	return localIDPrefix + strconv.FormatInt(now.UnixMilli(), 10)
}

// IsLocalID reports whether id is an offline placeholder.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
