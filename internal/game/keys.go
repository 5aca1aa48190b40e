package game

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Namespaces for derived record keys. A key is a pure function of the owner
// identifiers, so any component can recompute it without a lookup table.
var (
	betNamespace   = uuid.NewSHA1(uuid.NameSpaceURL, []byte("crashpool:bet"))
	stakeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("crashpool:stake"))
)

// BetKey is the derived key of the single bet a player may hold in a round.
func BetKey(roundID uint64, player string) string {
	name := make([]byte, 8, 8+len(player))
	binary.BigEndian.PutUint64(name, roundID)
	name = append(name, player...)
	return uuid.NewSHA1(betNamespace, name).String()
}

// StakeKey is the derived key of a staker's position.
func StakeKey(staker string) string {
	return uuid.NewSHA1(stakeNamespace, []byte(staker)).String()
}
