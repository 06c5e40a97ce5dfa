package generator

import "errors"

var (
	// ErrShape is returned when a sequence or reward batch has the wrong dimensions.
	ErrShape = errors.New("shape mismatch")
	// ErrTokenRange is returned for token ids outside [0, vocab_size).
	ErrTokenRange = errors.New("token id out of vocabulary range")
	// ErrThreshold is returned for keep steps outside [0, seq_len].
	ErrThreshold = errors.New("keep steps out of range")
	// ErrRolloutNum is returned when fewer than one rollout per position is requested.
	ErrRolloutNum = errors.New("rollout count must be positive")
	// ErrDiscriminator wraps malformed or failed discriminator responses.
	ErrDiscriminator = errors.New("discriminator failure")
	// ErrNonFinite is returned when a loss or reward is NaN or infinite.
	ErrNonFinite = errors.New("non-finite value")
)
