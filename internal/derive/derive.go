// Package derive computes deterministic, keyless addresses from fixed seeds
// and the signer types the token program accepts as transfer authorities.
//
// An address is the low 20 bytes of
//
//	keccak256(seed_0 || ... || seed_n || tag || program || "ProgramDerivedAddress")
//
// where tag is the first value counting down from 255 whose full digest is not
// the x-coordinate of a secp256k1 point. No public key can therefore hash to
// the digest, and no private key controls the address; the only way to act
// for it is to present the seeds and tag that reproduce it.
package derive

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// MaxSeeds is the maximum number of seeds accepted per derivation.
	MaxSeeds = 16
	// MaxSeedLen is the maximum length of a single seed in bytes.
	MaxSeedLen = 64

	marker = "ProgramDerivedAddress"
)

var (
	// ErrOnCurve is returned by CreateAddress when the digest for the given
	// tag is a valid curve coordinate and therefore not keyless.
	ErrOnCurve = errors.New("derive: digest is on the secp256k1 curve")
	// ErrNoViableTag is returned when every tag yields an on-curve digest.
	ErrNoViableTag = errors.New("derive: no viable tag")
	// ErrSeeds is returned when the seed count or a seed length is out of bounds.
	ErrSeeds = errors.New("derive: invalid seeds")
)

// CreateAddress derives the address for the given tag and seeds.
func CreateAddress(program common.Address, tag uint8, seeds ...[]byte) (common.Address, error) {
	if err := checkSeeds(seeds); err != nil {
		return common.Address{}, err
	}
	digest := digestFor(program, tag, seeds)
	if onCurve(digest) {
		return common.Address{}, ErrOnCurve
	}
	return common.BytesToAddress(digest[12:]), nil
}

// FindAddress searches tags from 255 downwards and returns the first keyless
// address together with its tag.
func FindAddress(program common.Address, seeds ...[]byte) (common.Address, uint8, error) {
	if err := checkSeeds(seeds); err != nil {
		return common.Address{}, 0, err
	}
	for tag := 255; tag >= 0; tag-- {
		digest := digestFor(program, uint8(tag), seeds)
		if !onCurve(digest) {
			return common.BytesToAddress(digest[12:]), uint8(tag), nil
		}
	}
	return common.Address{}, 0, ErrNoViableTag
}

func checkSeeds(seeds [][]byte) error {
	if len(seeds) > MaxSeeds {
		return fmt.Errorf("%w: %d seeds (max %d)", ErrSeeds, len(seeds), MaxSeeds)
	}
	for i, s := range seeds {
		if len(s) > MaxSeedLen {
			return fmt.Errorf("%w: seed %d is %d bytes (max %d)", ErrSeeds, i, len(s), MaxSeedLen)
		}
	}
	return nil
}

func digestFor(program common.Address, tag uint8, seeds [][]byte) []byte {
	parts := make([][]byte, 0, len(seeds)+3)
	parts = append(parts, seeds...)
	parts = append(parts, []byte{tag}, program.Bytes(), []byte(marker))
	return ethcrypto.Keccak256(parts...)
}

// onCurve reports whether digest, read as a big-endian integer, is the
// x-coordinate of a point on secp256k1 (y² = x³ + 7 mod p).
func onCurve(digest []byte) bool {
	params := ethcrypto.S256().Params()
	x := new(big.Int).SetBytes(digest)
	if x.Cmp(params.P) >= 0 {
		return false
	}
	y2 := new(big.Int).Exp(x, big.NewInt(3), params.P)
	y2.Add(y2, params.B)
	y2.Mod(y2, params.P)
	return new(big.Int).ModSqrt(y2, params.P) != nil
}
