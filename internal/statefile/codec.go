package statefile

import (
	"errors"
	"fmt"
	"time"
)

// TypeTagKey marks a mapping as the encoded form of a registered Go type.
// This is the on-disk contract: backups written by older deployments carry
// the same tag and must keep loading.
const TypeTagKey = "__type__"

// ErrMalformedDuration reports a tagged duration mapping that cannot be
// decoded. It is fatal for the document being loaded: a corrupt backup is
// refused rather than silently truncated.
var ErrMalformedDuration = errors.New("statefile: malformed duration value")

// Codec converts one Go type to and from a tagged YAML mapping.
//
// The generic YAML layer has no native representation for types like
// time.Duration; codecs bridge that gap. The registry is populated once at
// init and read-only afterwards.
type Codec interface {
	// Tag is the value stored under TypeTagKey.
	Tag() string
	// Matches reports whether v should be encoded by this codec.
	Matches(v any) bool
	// Encode returns the field mapping (without the tag key).
	Encode(v any) (map[string]any, error)
	// Decode rebuilds the value from a tagged mapping (tag key removed).
	Decode(m map[string]any) (any, error)
}

var (
	codecs      []Codec
	codecsByTag = map[string]Codec{}
)

// Register adds a codec to the process-wide registry. It must only be called
// from init functions; the registry is not safe for concurrent mutation.
func Register(c Codec) {
	if c == nil {
		return
	}
	if _, dup := codecsByTag[c.Tag()]; dup {
		panic(fmt.Sprintf("statefile: duplicate codec tag %q", c.Tag()))
	}
	codecs = append(codecs, c)
	codecsByTag[c.Tag()] = c
}

func codecFor(v any) Codec {
	for _, c := range codecs {
		if c.Matches(v) {
			return c
		}
	}
	return nil
}

func init() {
	Register(timedeltaCodec{})
}

// timedeltaCodec encodes time.Duration as {__type__: timedelta, days, seconds}.
//
// The duration is normalized to a whole-day count plus a seconds-of-day
// remainder; sub-second precision is dropped. The tag name matches the format
// used by earlier deployments of this bot.
type timedeltaCodec struct{}

func (timedeltaCodec) Tag() string { return "timedelta" }

func (timedeltaCodec) Matches(v any) bool {
	_, ok := v.(time.Duration)
	return ok
}

func (timedeltaCodec) Encode(v any) (map[string]any, error) {
	d, ok := v.(time.Duration)
	if !ok {
		return nil, fmt.Errorf("statefile: timedelta codec got %T", v)
	}
	days := int(d / (24 * time.Hour))
	rem := d - time.Duration(days)*24*time.Hour
	seconds := int(rem / time.Second)
	return map[string]any{"days": days, "seconds": seconds}, nil
}

func (timedeltaCodec) Decode(m map[string]any) (any, error) {
	daysRaw, hasDays := m["days"]
	secondsRaw, hasSeconds := m["seconds"]
	if !hasDays && !hasSeconds {
		return nil, fmt.Errorf("%w: neither days nor seconds present", ErrMalformedDuration)
	}

	days, err := asNonNegativeInt(daysRaw, hasDays)
	if err != nil {
		return nil, fmt.Errorf("%w: days: %v", ErrMalformedDuration, err)
	}
	seconds, err := asNonNegativeInt(secondsRaw, hasSeconds)
	if err != nil {
		return nil, fmt.Errorf("%w: seconds: %v", ErrMalformedDuration, err)
	}

	return time.Duration(days)*24*time.Hour + time.Duration(seconds)*time.Second, nil
}

func asNonNegativeInt(v any, present bool) (int64, error) {
	if !present {
		return 0, nil
	}
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int64:
		n = x
	case uint64:
		if x > uint64(1)<<62 {
			return 0, errors.New("out of range")
		}
		n = int64(x)
	default:
		return 0, fmt.Errorf("non-integer value %T", v)
	}
	if n < 0 {
		return 0, errors.New("negative value")
	}
	return n, nil
}
