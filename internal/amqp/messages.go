package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Signal types carried between the app server and the offline edge.
const (
	SignalSkipWaiting = "SKIP_WAITING"
	SignalSync        = "SYNC"
)

var ErrInvalidSignal = errors.New("invalid signal")

// Signal is a lifecycle message for the offline edge.
type Signal struct {
	Type      string    `json:"type"`
	Tag       string    `json:"tag,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSignal creates a signal stamped with the current time.
func NewSignal(signalType, tag string) *Signal {
	return &Signal{
		Type:      signalType,
		Tag:       tag,
		Timestamp: time.Now(),
	}
}

func (s *Signal) Validate() error {
	switch s.Type {
	case SignalSkipWaiting:
		return nil
	case SignalSync:
		if s.Tag == "" {
			return fmt.Errorf("%w: sync signal without tag", ErrInvalidSignal)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s.Type)
	}
}

// ToJSON converts the signal to JSON bytes
func (s *Signal) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// SignalFromJSON parses and validates a signal.
func SignalFromJSON(data []byte) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
