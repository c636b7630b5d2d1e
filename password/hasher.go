package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Cost floors. Configurations below them are refused.
const (
	MinMemoryKB    uint32 = 19 * 1024
	MinTime        uint32 = 2
	MinParallelism uint8  = 1
	MinSaltLength  uint32 = 16
	MinKeyLength   uint32 = 16

	DefaultMinPasswordBytes = 8
	DefaultMaxPasswordBytes = 1024

	phcAlgorithm = "argon2id"
)

var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrMalformedHash    = errors.New("malformed password hash")
)

// Config holds Argon2id cost parameters and the accepted password length.
type Config struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	MinPasswordBytes int
	MaxPasswordBytes int
}

// DefaultConfig follows the OWASP Argon2id baseline at a higher memory cost.
func DefaultConfig() Config {
	return Config{
		Memory:           64 * 1024,
		Time:             3,
		Parallelism:      2,
		SaltLength:       16,
		KeyLength:        32,
		MinPasswordBytes: DefaultMinPasswordBytes,
		MaxPasswordBytes: DefaultMaxPasswordBytes,
	}
}

// Hasher hashes and verifies passwords. It is safe for concurrent use.
type Hasher struct {
	config Config

	dummyOnce sync.Once
	dummy     string
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

// New validates cfg and returns a [Hasher].
func New(cfg Config) (*Hasher, error) {
	if cfg.MinPasswordBytes == 0 {
		cfg.MinPasswordBytes = DefaultMinPasswordBytes
	}
	if cfg.MaxPasswordBytes == 0 {
		cfg.MaxPasswordBytes = DefaultMaxPasswordBytes
	}
	switch {
	case cfg.Memory < MinMemoryKB:
		return nil, fmt.Errorf("password memory must be >= %d KiB", MinMemoryKB)
	case cfg.Time < MinTime:
		return nil, fmt.Errorf("password time must be >= %d", MinTime)
	case cfg.Parallelism < MinParallelism:
		return nil, errors.New("password parallelism must be >= 1")
	case cfg.SaltLength < MinSaltLength:
		return nil, fmt.Errorf("password salt length must be >= %d", MinSaltLength)
	case cfg.KeyLength < MinKeyLength:
		return nil, fmt.Errorf("password key length must be >= %d", MinKeyLength)
	case cfg.MinPasswordBytes < 1 || cfg.MaxPasswordBytes < cfg.MinPasswordBytes:
		return nil, errors.New("password length bounds are invalid")
	}
	return &Hasher{config: cfg}, nil
}

// CheckPolicy enforces the configured length bounds. Bytes are counted as
// given; no Unicode normalization is applied.
func (h *Hasher) CheckPolicy(password string) error {
	if len(password) < h.config.MinPasswordBytes {
		return ErrPasswordTooShort
	}
	if len(password) > h.config.MaxPasswordBytes {
		return ErrPasswordTooLong
	}
	return nil
}

// Hash returns a PHC string for password.
func (h *Hasher) Hash(password string) (string, error) {
	if err := h.CheckPolicy(password); err != nil {
		return "", err
	}
	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, h.config.Time, h.config.Memory, h.config.Parallelism, h.config.KeyLength)
	return encodePHC(phc{
		memory:      h.config.Memory,
		time:        h.config.Time,
		parallelism: h.config.Parallelism,
		salt:        salt,
		key:         key,
	}), nil
}

// Verify reports whether password matches encoded. Oversized input is
// rejected before any hashing work.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	if len(password) > h.config.MaxPasswordBytes {
		return false, ErrPasswordTooLong
	}
	p, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(key, p.key) == 1, nil
}

// VerifyDummy performs a verification against a throwaway hash with the
// current parameters and always reports false.
func (h *Hasher) VerifyDummy(password string) {
	h.dummyOnce.Do(func() {
		salt := make([]byte, h.config.SaltLength)
		h.dummy = encodePHC(phc{
			memory:      h.config.Memory,
			time:        h.config.Time,
			parallelism: h.config.Parallelism,
			salt:        salt,
			key:         make([]byte, h.config.KeyLength),
		})
	})
	if len(password) > h.config.MaxPasswordBytes {
		password = password[:h.config.MaxPasswordBytes]
	}
	_, _ = h.Verify(password, h.dummy)
}

// NeedsUpgrade reports whether encoded was produced with weaker parameters
// than the current configuration.
func (h *Hasher) NeedsUpgrade(encoded string) (bool, error) {
	p, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	return h.config.Memory > p.memory ||
		h.config.Time > p.time ||
		h.config.Parallelism > p.parallelism ||
		h.config.KeyLength != uint32(len(p.key)), nil
}

func encodePHC(p phc) string {
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		phcAlgorithm,
		argon2.Version,
		p.memory, p.time, p.parallelism,
		base64.RawStdEncoding.EncodeToString(p.salt),
		base64.RawStdEncoding.EncodeToString(p.key),
	)
}

func decodePHC(encoded string) (phc, error) {
	var p phc
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != phcAlgorithm {
		return p, ErrMalformedHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return p, fmt.Errorf("%w: unsupported version", ErrMalformedHash)
	}

	seen := 0
	for _, kv := range strings.Split(parts[3], ",") {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return p, ErrMalformedHash
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || n == 0 {
			return p, fmt.Errorf("%w: bad %s", ErrMalformedHash, name)
		}
		switch name {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return p, fmt.Errorf("%w: bad p", ErrMalformedHash)
			}
			p.parallelism = uint8(n)
		default:
			return p, fmt.Errorf("%w: unknown parameter %q", ErrMalformedHash, name)
		}
		seen++
	}
	if seen != 3 || p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return p, fmt.Errorf("%w: missing parameters", ErrMalformedHash)
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) < int(MinSaltLength) {
		return p, fmt.Errorf("%w: salt", ErrMalformedHash)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) == 0 {
		return p, fmt.Errorf("%w: key", ErrMalformedHash)
	}
	return p, nil
}
