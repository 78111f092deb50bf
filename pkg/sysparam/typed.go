package sysparam

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GetString returns a value stored as text. Binary values fail with
// ErrParseFailed.
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	value, bin, err := s.GetData(ctx, key)
	if err != nil {
		return "", err
	}
	if bin {
		return "", fmt.Errorf("%w: %q holds binary data", ErrParseFailed, key)
	}
	return string(value), nil
}

// SetString stores value as text
func (s *Store) SetString(ctx context.Context, key, value string) error {
	return s.SetData(ctx, key, []byte(value), false)
}

// GetInt32 returns a 32 bit integer stored either as 4 little endian bytes or
// as text in any base strconv understands (0x.., 0o.., 0b.., decimal).
func (s *Store) GetInt32(ctx context.Context, key string) (int32, error) {
	v, err := s.getInt(ctx, key, 32)
	return int32(v), err
}

// SetInt32 stores value as 4 little endian bytes
func (s *Store) SetInt32(ctx context.Context, key string, value int32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(value))
	return s.SetData(ctx, key, buf, true)
}

// GetInt8 returns an 8 bit integer stored as one byte or as text
func (s *Store) GetInt8(ctx context.Context, key string) (int8, error) {
	v, err := s.getInt(ctx, key, 8)
	return int8(v), err
}

// SetInt8 stores value as a single byte
func (s *Store) SetInt8(ctx context.Context, key string, value int8) error {
	return s.SetData(ctx, key, []byte{byte(value)}, true)
}

func (s *Store) getInt(ctx context.Context, key string, bits int) (int64, error) {
	value, bin, err := s.GetData(ctx, key)
	if err != nil {
		return 0, err
	}
	if bin {
		switch {
		case bits == 32 && len(value) == 4:
			return int64(int32(binary.LittleEndian.Uint32(value))), nil
		case bits == 8 && len(value) == 1:
			return int64(int8(value[0])), nil
		}
		return 0, fmt.Errorf("%w: %q holds %d binary bytes", ErrParseFailed, key, len(value))
	}
	v, err := strconv.ParseInt(string(value), 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrParseFailed, key, err)
	}
	return v, nil
}

// GetBool returns a boolean stored as text (y/yes/t/true/1 or n/no/f/false/0,
// any case) or as a single binary byte.
func (s *Store) GetBool(ctx context.Context, key string) (bool, error) {
	value, bin, err := s.GetData(ctx, key)
	if err != nil {
		return false, err
	}
	return parseBool(key, value, bin)
}

func parseBool(key string, value []byte, bin bool) (bool, error) {
	if bin {
		if len(value) == 1 {
			return value[0] != 0, nil
		}
		return false, fmt.Errorf("%w: %q holds %d binary bytes", ErrParseFailed, key, len(value))
	}
	switch strings.ToLower(string(value)) {
	case "y", "yes", "t", "true", "1":
		return true, nil
	case "n", "no", "f", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrParseFailed, key)
}

// SetBool stores value as "y" or "n". If the key already holds an equivalent
// boolean in any accepted spelling nothing is written.
func (s *Store) SetBool(ctx context.Context, key string, value bool) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, bin, err := s.get([]byte(key), nil); err == nil {
		if b, err := parseBool(key, current, bin); err == nil && b == value {
			s.recordSet(ctx, start, opNoop, 0)
			return nil
		}
	}

	text := []byte("n")
	if value {
		text = []byte("y")
	}
	op, err := s.set(ctx, []byte(key), text, false)
	s.recordSet(ctx, start, op, len(text))
	return err
}
