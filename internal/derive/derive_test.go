package derive

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyield/internal/domain"
)

var (
	testProgram = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testAsset   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testUser    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestFindAddress_Deterministic(t *testing.T) {
	t.Parallel()

	a1, tag1, err := FindAddress(testProgram, []byte("seed"), testAsset.Bytes())
	require.NoError(t, err)
	a2, tag2, err := FindAddress(testProgram, []byte("seed"), testAsset.Bytes())
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.Equal(t, tag1, tag2)

	again, err := CreateAddress(testProgram, tag1, []byte("seed"), testAsset.Bytes())
	require.NoError(t, err)
	assert.Equal(t, a1, again)
}

func TestFindAddress_ProgramScoped(t *testing.T) {
	t.Parallel()

	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	a1, _, err := FindAddress(testProgram, []byte("seed"))
	require.NoError(t, err)
	a2, _, err := FindAddress(other, []byte("seed"))
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)
}

func TestFindAddress_SeedBounds(t *testing.T) {
	t.Parallel()

	_, _, err := FindAddress(testProgram, bytes.Repeat([]byte{1}, MaxSeedLen+1))
	require.ErrorIs(t, err, ErrSeeds)

	seeds := make([][]byte, MaxSeeds+1)
	for i := range seeds {
		seeds[i] = []byte{byte(i)}
	}
	_, _, err = FindAddress(testProgram, seeds...)
	require.ErrorIs(t, err, ErrSeeds)

	_, _, err = FindAddress(testProgram, bytes.Repeat([]byte{1}, MaxSeedLen))
	require.NoError(t, err)
}

func TestFindAddress_TagIsFirstOffCurve(t *testing.T) {
	t.Parallel()

	seeds := [][]byte{[]byte("vault"), testAsset.Bytes()}
	_, tag, err := FindAddress(testProgram, seeds...)
	require.NoError(t, err)

	for higher := 255; higher > int(tag); higher-- {
		_, err := CreateAddress(testProgram, uint8(higher), seeds...)
		assert.ErrorIs(t, err, ErrOnCurve, "tag %d should be on curve", higher)
	}
}

func TestDeriver_RecordAddressDistinct(t *testing.T) {
	t.Parallel()

	d := NewDeriver(testProgram)
	base := domain.PositionKey{Asset: testAsset, Depositor: testUser, MarketID: "M1", Position: domain.PositionYes}

	yes, _, err := d.RecordAddress(base)
	require.NoError(t, err)

	no := base
	no.Position = domain.PositionNo
	noAddr, _, err := d.RecordAddress(no)
	require.NoError(t, err)
	assert.NotEqual(t, yes, noAddr)

	m2 := base
	m2.MarketID = "M2"
	m2Addr, _, err := d.RecordAddress(m2)
	require.NoError(t, err)
	assert.NotEqual(t, yes, m2Addr)

	otherAsset := base
	otherAsset.Asset = common.HexToAddress("0x3333333333333333333333333333333333333333")
	oaAddr, _, err := d.RecordAddress(otherAsset)
	require.NoError(t, err)
	assert.NotEqual(t, yes, oaAddr)
}

func TestDeriver_RecordAddressValidates(t *testing.T) {
	t.Parallel()

	d := NewDeriver(testProgram)
	key := domain.PositionKey{Asset: testAsset, Depositor: testUser, MarketID: string(bytes.Repeat([]byte("x"), 65))}
	_, _, err := d.RecordAddress(key)
	require.ErrorIs(t, err, domain.ErrMarketIDTooLong)

	key.MarketID = string(bytes.Repeat([]byte("x"), 64))
	_, _, err = d.RecordAddress(key)
	require.NoError(t, err)

	key.Position = domain.Position(2)
	_, _, err = d.RecordAddress(key)
	require.ErrorIs(t, err, domain.ErrInvalidPosition)
}

func TestDeriver_VerifyRecord(t *testing.T) {
	t.Parallel()

	d := NewDeriver(testProgram)
	key := domain.PositionKey{Asset: testAsset, Depositor: testUser, MarketID: "M1", Position: domain.PositionNo}
	addr, tag, err := d.RecordAddress(key)
	require.NoError(t, err)

	rec := domain.PositionRecord{
		Address:   addr,
		Asset:     key.Asset,
		Depositor: key.Depositor,
		MarketID:  key.MarketID,
		Position:  key.Position,
		Tag:       tag,
	}
	require.NoError(t, d.VerifyRecord(rec))

	rec.MarketID = "M2"
	require.ErrorIs(t, d.VerifyRecord(rec), domain.ErrRecordMismatch)
}

func TestDeriver_VaultSigner(t *testing.T) {
	t.Parallel()

	d := NewDeriver(testProgram)
	vault, tag, err := d.VaultAddress(testAsset)
	require.NoError(t, err)

	signer, err := d.VaultSigner(testAsset, tag)
	require.NoError(t, err)
	assert.Equal(t, vault, signer.Address())
	assert.Equal(t, testProgram, signer.Program())
	require.NoError(t, signer.Verify())

	forged := signer
	forged.addr = testUser
	require.ErrorIs(t, forged.Verify(), domain.ErrInvalidSigner)

	require.ErrorIs(t, ProgramSigner{}.Verify(), domain.ErrInvalidSigner)
}

func TestDeriver_LedgerAndVaultDiffer(t *testing.T) {
	t.Parallel()

	d := NewDeriver(testProgram)
	ledger, _, err := d.LedgerAddress(testAsset)
	require.NoError(t, err)
	vault, _, err := d.VaultAddress(testAsset)
	require.NoError(t, err)
	assert.NotEqual(t, ledger, vault)
}

func TestKeySigner(t *testing.T) {
	t.Parallel()

	require.NoError(t, Verified(testUser).Verify())
	assert.Equal(t, testUser, Verified(testUser).Address())
	require.ErrorIs(t, Verified(common.Address{}).Verify(), domain.ErrInvalidSigner)
}
