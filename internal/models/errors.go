package models

import (
	"errors"
)

var (
	ErrNoIdentity      = errors.New("models: no signed-in user")
	ErrStoreClosed     = errors.New("models: record store is not open")
	ErrUnknownSku      = errors.New("models: sku is not in the catalog")
	ErrUnknownCallback = errors.New("models: unknown callback payload type")
)
