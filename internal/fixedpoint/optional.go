package fixedpoint

import (
	"bytes"
	"encoding/json"
)

// OptionalMultiplier is a multiplier that may be absent. The zero value is
// None.
type OptionalMultiplier struct {
	value Multiplier
	set   bool
}

func Some(m Multiplier) OptionalMultiplier {
	return OptionalMultiplier{value: m, set: true}
}

func None() OptionalMultiplier {
	return OptionalMultiplier{}
}

func (o OptionalMultiplier) Get() (Multiplier, bool) {
	return o.value, o.set
}

func (o OptionalMultiplier) IsSome() bool {
	return o.set
}

func (o OptionalMultiplier) String() string {
	if !o.set {
		return "none"
	}
	return o.value.String()
}

// MarshalJSON encodes None as null and Some as its basis points.
func (o OptionalMultiplier) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}
	return json.Marshal(uint64(o.value))
}

func (o *OptionalMultiplier) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = None()
		return nil
	}
	var bps uint64
	if err := json.Unmarshal(data, &bps); err != nil {
		return err
	}
	*o = Some(Multiplier(bps))
	return nil
}
