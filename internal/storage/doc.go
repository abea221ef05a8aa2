package storage

// Package storage provides an optional persistence layer for timer fire
// history. Timers themselves are never persisted; only a record of what
// fired (or was dropped) and when.
