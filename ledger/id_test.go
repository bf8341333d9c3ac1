package ledger_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contractor-ledger/ledger"
)

func TestSequence_SharedAcrossKinds(t *testing.T) {
	s := ledger.NewSequence()
	assert.Equal(t, "clm_000001", s.NextID(ledger.KindClaim))
	assert.Equal(t, "wd_000002", s.NextID(ledger.KindWithdrawal))
	assert.Equal(t, "clm_000003", s.NextID(ledger.KindClaim))

	resumed := ledger.NewSequenceFrom(41)
	assert.Equal(t, "wd_000042", resumed.NextID(ledger.KindWithdrawal))
}

func TestSequence_ConcurrentUnique(t *testing.T) {
	s := ledger.NewSequence()
	const n = 500

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := s.NextID(ledger.KindClaim)
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestUUIDSource_PrefixedV7(t *testing.T) {
	id := ledger.UUIDSource{}.NextID(ledger.KindWithdrawal)
	require.True(t, strings.HasPrefix(id, "wd_"), id)

	u, err := uuid.Parse(strings.TrimPrefix(id, "wd_"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())
}

func TestNewIDSource(t *testing.T) {
	fallback := ledger.UUIDSource{}

	got, err := ledger.NewIDSource("", fallback)
	require.NoError(t, err)
	assert.Equal(t, fallback, got)

	got, err = ledger.NewIDSource("sequence", fallback)
	require.NoError(t, err)
	assert.IsType(t, &ledger.Sequence{}, got)

	got, err = ledger.NewIDSource("uuid", nil)
	require.NoError(t, err)
	assert.IsType(t, ledger.UUIDSource{}, got)

	_, err = ledger.NewIDSource("snowflake", fallback)
	assert.Error(t, err)
}

func TestMoneyHelpers(t *testing.T) {
	assert.True(t, ledger.HasCentPrecision(ledger.MustParseMoney("12.30")))
	assert.False(t, ledger.HasCentPrecision(ledger.MustParseMoney("12.301")))
	assert.Equal(t, "1500.00", ledger.FormatMoney(ledger.NewMoneyFromInt(1500)))
	assert.Equal(t, "0.05", ledger.FormatMoney(ledger.NewMoneyFromCents(5)))

	assert.True(t, ledger.InRange(ledger.MustParseMoney("999999999999999.99")))
	assert.True(t, ledger.InRange(ledger.MustParseMoney("1.500000")))
	assert.True(t, ledger.InRange(ledger.MustParseMoney("1e3")))
	assert.False(t, ledger.InRange(ledger.MustParseMoney("1000000000000000")))
	assert.False(t, ledger.InRange(ledger.MustParseMoney("1e16")))
	assert.False(t, ledger.InRange(ledger.MustParseMoney("1e-19")))
	assert.False(t, ledger.InRange(ledger.MustParseMoney("12345678901234567890.5")))

	_, err := ledger.ParseMoney("twelve")
	assert.Error(t, err)
}
