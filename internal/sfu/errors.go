package sfu

import "errors"

var (
	// ErrRoomNotFound is returned for operations against an unknown room.
	ErrRoomNotFound = errors.New("media room not found")

	// ErrTransportNotFound is returned when a transport id is unknown.
	ErrTransportNotFound = errors.New("transport not found")

	// ErrStreamNotFound is returned when a stream id is unknown and the
	// publisher fallback found no substitute.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrConsumerNotFound is returned when a consumer id is unknown.
	ErrConsumerNotFound = errors.New("consumer not found")

	// ErrCabinNotFound is returned when a translation cabin key is unknown.
	ErrCabinNotFound = errors.New("translation cabin not found")

	// ErrInvalidArgument is returned for missing or undefined ids.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCannotConsume is returned when the router rejects the
	// capabilities/producer pair.
	ErrCannotConsume = errors.New("cannot consume producer with given capabilities")

	// ErrNoAudioProducer is returned when a translation cabin finds no live
	// audio producer for the target user.
	ErrNoAudioProducer = errors.New("no audio producer for target user")

	// ErrStreamIDExhausted is returned when stream id generation keeps
	// colliding beyond the retry cap.
	ErrStreamIDExhausted = errors.New("stream id generation exhausted retries")
)
