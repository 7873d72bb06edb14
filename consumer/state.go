// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import "fmt"

// State is the lifecycle stage of one consumer instance.
type State int32

const (
	Starting State = iota
	Declaring
	Consuming
	Reconnecting
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Declaring:
		return "declaring"
	case Consuming:
		return "consuming"
	case Reconnecting:
		return "reconnecting"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Summary is the terminal status of a run.
type Summary struct {
	Processed      uint64
	Succeeded      uint64
	Rejected       uint64 // permanent failures, decode failures included
	Retried        uint64
	DeadLettered   uint64 // rejected plus retries exhausted
	DecodeFailures uint64
	ResolveErrors  uint64
}

// Add accumulates o into s.
func (s *Summary) Add(o Summary) {
	s.Processed += o.Processed
	s.Succeeded += o.Succeeded
	s.Rejected += o.Rejected
	s.Retried += o.Retried
	s.DeadLettered += o.DeadLettered
	s.DecodeFailures += o.DecodeFailures
	s.ResolveErrors += o.ResolveErrors
}

func (s Summary) String() string {
	return fmt.Sprintf("processed=%d succeeded=%d rejected=%d retried=%d dead_lettered=%d decode_failures=%d resolve_errors=%d",
		s.Processed, s.Succeeded, s.Rejected, s.Retried, s.DeadLettered, s.DecodeFailures, s.ResolveErrors)
}
