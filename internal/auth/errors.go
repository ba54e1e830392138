package auth

import "errors"

var (
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrNotFound           = errors.New("auth: owner not found")
	ErrAlreadyExists      = errors.New("auth: owner already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
)
