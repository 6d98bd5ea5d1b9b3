package store

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrStaleAck      = errors.New("acknowledged generation superseded")
	ErrStoreDegraded = errors.New("persistent store unavailable")
)
