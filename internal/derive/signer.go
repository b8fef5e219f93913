package derive

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// Signer is an authority the token program accepts for a transfer. The
// interface is sealed: only KeySigner and ProgramSigner implement it.
type Signer interface {
	Address() common.Address
	// Verify checks that the signer may act for Address.
	Verify() error
	sealed()
}

// KeySigner is a key holder whose signature the transport has already
// checked, e.g. the recovered signer of an authenticated request.
type KeySigner struct {
	addr common.Address
}

// Verified wraps an address whose signature has been verified.
func Verified(addr common.Address) KeySigner {
	return KeySigner{addr: addr}
}

// Address returns the signer's address.
func (k KeySigner) Address() common.Address { return k.addr }

// Verify rejects the zero address.
func (k KeySigner) Verify() error {
	if k.addr == (common.Address{}) {
		return fmt.Errorf("%w: empty key signer", domain.ErrInvalidSigner)
	}
	return nil
}

func (KeySigner) sealed() {}

// ProgramSigner acts for a derived address by carrying the seeds and tag that
// reproduce it. Values are only produced by a Deriver.
type ProgramSigner struct {
	program common.Address
	seeds   [][]byte
	tag     uint8
	addr    common.Address
}

// Address returns the derived address the signer acts for.
func (p ProgramSigner) Address() common.Address { return p.addr }

// Program returns the program id the signer was derived under.
func (p ProgramSigner) Program() common.Address { return p.program }

// Verify re-derives the address from the carried seeds and tag.
func (p ProgramSigner) Verify() error {
	if len(p.seeds) == 0 {
		return fmt.Errorf("%w: program signer without seeds", domain.ErrInvalidSigner)
	}
	addr, err := CreateAddress(p.program, p.tag, p.seeds...)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSigner, err)
	}
	if addr != p.addr {
		return fmt.Errorf("%w: seeds derive %s, not %s", domain.ErrInvalidSigner, addr.Hex(), p.addr.Hex())
	}
	return nil
}

func (ProgramSigner) sealed() {}
