package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	size     = 16
)

// New generates a prefixed random identifier, e.g. New("ses") -> "ses_x1y2...".
func New(prefix string) string {
	id, err := gonanoid.Generate(alphabet, size)
	if err != nil {
		// gonanoid only fails if the system entropy source is broken
		panic(err)
	}
	return prefix + "_" + id
}

// NewSession returns a session identifier.
func NewSession() string { return New("ses") }

// NewTurn returns a dialogue turn identifier.
func NewTurn() string { return New("turn") }

// NewToolCall returns a tool invocation identifier.
func NewToolCall() string { return New("tool") }
