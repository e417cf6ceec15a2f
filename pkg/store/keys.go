package store

import "fmt"

// logPrefix is the key prefix holding the records appended at key
func logPrefix(key string) string {
	return key + "/"
}

// logKey builds a record key that sorts in append order
func logKey(key string, seq uint64) string {
	return fmt.Sprintf("%s%020d", logPrefix(key), seq)
}
