package derive

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// Seed namespaces.
const (
	LedgerNamespace        = "vault_state"
	VaultNamespace         = "vault"
	RecordNamespace        = "user_deposit"
	AssociatedNamespace    = "ata"
	MintAuthorityNamespace = "mint_authority"
)

// Deriver derives every address the vault program uses. It is bound to one
// program id so vaults of different deployments never collide.
type Deriver struct {
	program common.Address
}

// NewDeriver creates a Deriver for the given program id.
func NewDeriver(program common.Address) *Deriver {
	return &Deriver{program: program}
}

// Program returns the program id the deriver is bound to.
func (d *Deriver) Program() common.Address {
	return d.program
}

// LedgerSeeds returns the seeds of an asset's VaultLedger.
func LedgerSeeds(asset common.Address) [][]byte {
	return [][]byte{[]byte(LedgerNamespace), asset.Bytes()}
}

// VaultSeeds returns the seeds of an asset's vault holding account.
func VaultSeeds(asset common.Address) [][]byte {
	return [][]byte{[]byte(VaultNamespace), asset.Bytes()}
}

// RecordSeeds returns the seeds of a position record.
func RecordSeeds(key domain.PositionKey) [][]byte {
	return [][]byte{
		[]byte(RecordNamespace),
		key.Asset.Bytes(),
		key.Depositor.Bytes(),
		[]byte(key.MarketID),
		{byte(key.Position)},
	}
}

// LedgerAddress returns the address and tag of an asset's ledger.
func (d *Deriver) LedgerAddress(asset common.Address) (common.Address, uint8, error) {
	return FindAddress(d.program, LedgerSeeds(asset)...)
}

// VaultAddress returns the address and tag of an asset's vault holding
// account. The account is owned by its own address.
func (d *Deriver) VaultAddress(asset common.Address) (common.Address, uint8, error) {
	return FindAddress(d.program, VaultSeeds(asset)...)
}

// RecordAddress returns the address and tag of the record for key.
func (d *Deriver) RecordAddress(key domain.PositionKey) (common.Address, uint8, error) {
	if err := key.Validate(); err != nil {
		return common.Address{}, 0, err
	}
	return FindAddress(d.program, RecordSeeds(key)...)
}

// VerifyRecord checks that a stored record sits at the address its own
// fields derive to.
func (d *Deriver) VerifyRecord(r domain.PositionRecord) error {
	addr, err := CreateAddress(d.program, r.Tag, RecordSeeds(r.Key())...)
	if err != nil || addr != r.Address {
		return fmt.Errorf("%w: %s", domain.ErrRecordMismatch, r.Address.Hex())
	}
	return nil
}

// AssociatedAccount returns the canonical token account of owner for mint.
func (d *Deriver) AssociatedAccount(owner, mint common.Address) (common.Address, error) {
	addr, _, err := FindAddress(d.program, []byte(AssociatedNamespace), owner.Bytes(), mint.Bytes())
	return addr, err
}

// VaultSigner builds the authority that signs for an asset's holding account.
func (d *Deriver) VaultSigner(asset common.Address, tag uint8) (ProgramSigner, error) {
	return d.programSigner(tag, VaultSeeds(asset)...)
}

// MintAuthority returns the keyless authority allowed to mint new units of
// mint, together with its tag.
func (d *Deriver) MintAuthority(mint common.Address) (ProgramSigner, error) {
	seeds := [][]byte{[]byte(MintAuthorityNamespace), mint.Bytes()}
	_, tag, err := FindAddress(d.program, seeds...)
	if err != nil {
		return ProgramSigner{}, err
	}
	return d.programSigner(tag, seeds...)
}

func (d *Deriver) programSigner(tag uint8, seeds ...[]byte) (ProgramSigner, error) {
	addr, err := CreateAddress(d.program, tag, seeds...)
	if err != nil {
		return ProgramSigner{}, err
	}
	return ProgramSigner{
		program: d.program,
		seeds:   seeds,
		tag:     tag,
		addr:    addr,
	}, nil
}
