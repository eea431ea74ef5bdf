// Package stt provides the speech-to-text transcribers that need no external engine: a scripted
// mock for demos and a manual transcriber fed with text by the transport.
package stt

import "github.com/m-mizutani/goerr/v2"

var (
	ErrNotStarted     = goerr.New("transcriber is not started")
	ErrAlreadyStarted = goerr.New("transcriber is already started")
	ErrClosed         = goerr.New("transcriber is closed")
)
