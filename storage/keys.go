// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Key prefixes shared by the persistent backends.
const (
	entityPrefix  = "ent/"      // Entities: ent/{table}/{key}
	logMetaPrefix = "log/meta/" // Next offset to assign: log/meta/{name}
	logDataPrefix = "log/data/" // Entries: log/data/{name}/{offset}
)

// ValidateName checks that a table or log name can be embedded in a key.
func ValidateName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// EntityPrefix returns the key prefix of an entity table.
func EntityPrefix(table string) []byte {
	return []byte(entityPrefix + table + "/")
}

// EntityKey returns the storage key of an entity.
func EntityKey(table, key string) []byte {
	return []byte(entityPrefix + table + "/" + key)
}

// LogMetaPrefix is the prefix of every log metadata key.
func LogMetaPrefix() []byte {
	return []byte(logMetaPrefix)
}

// LogMetaKey returns the key holding the next offset of a log.
func LogMetaKey(name string) []byte {
	return []byte(logMetaPrefix + name)
}

// LogNameFromMetaKey extracts the log name from a metadata key.
func LogNameFromMetaKey(key []byte) string {
	return strings.TrimPrefix(string(key), logMetaPrefix)
}

// LogEntryPrefix returns the prefix of all entries of a log.
func LogEntryPrefix(name string) []byte {
	return []byte(logDataPrefix + name + "/")
}

// LogEntryKey returns the key of a log entry. Offsets are zero padded so that
// lexicographic key order matches offset order.
func LogEntryKey(name string, offset int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", logDataPrefix, name, offset))
}

// ParseLogEntryKey extracts the offset from a log entry key.
func ParseLogEntryKey(name string, key []byte) (int64, error) {
	s := strings.TrimPrefix(string(key), logDataPrefix+name+"/")
	return strconv.ParseInt(s, 10, 64)
}

// PrefixEnd returns the smallest key greater than every key with prefix.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// EncodeOffset encodes an offset as 8 big-endian bytes.
func EncodeOffset(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// DecodeOffset decodes an offset written by EncodeOffset.
func DecodeOffset(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
