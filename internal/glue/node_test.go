package glue

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashcloak/mixnode/internal/action"
	"github.com/hashcloak/mixnode/internal/chainview"
	"github.com/hashcloak/mixnode/internal/config"
	"github.com/hashcloak/mixnode/internal/currency"
	"github.com/hashcloak/mixnode/internal/session"
	"github.com/hashcloak/mixnode/internal/types"
)

type stubSubmitter struct{}

func (stubSubmitter) Submit(_ context.Context, _ types.ChainAddress, _ action.Kind, _ []byte) (types.TxHash, error) {
	return types.TxHash{}, nil
}

// writeTestConfig writes a minimal TOML document under a fresh DataDir
// and returns both the config path and that DataDir, so a second node can
// be brought up against the same persisted state.
func writeTestConfig(t *testing.T) (cfgPath, dataDir string) {
	t.Helper()
	dataDir = t.TempDir()
	cfgPath = filepath.Join(t.TempDir(), "mixnode.toml")
	content := "[Server]\nIdentifier = \"test-node\"\nDataDir = \"" + dataDir + "\"\nAddresses = [\"127.0.0.1:0\"]\n\n[Logging]\nDisable = true\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0600))
	return cfgPath, dataDir
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfgPath, _ := writeTestConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	view := chainview.NewMemView(currency.Zero[currency.HOPRToken](), types.WinProb(0))
	n, err := New(cfg, view, stubSubmitter{})
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	return n
}

func TestNewBringsUpEveryComponent(t *testing.T) {
	n := newTestNode(t)

	assert.NotEqual(t, types.ChainAddress{}, n.ChainAddress())
	assert.NotNil(t, n.Registry())
	assert.NotNil(t, n.Actions())
	assert.NotNil(t, n.Workers())
}

func TestRegisterAccountAndChannelArePersistedAndVisible(t *testing.T) {
	n := newTestNode(t)

	entry := types.AccountEntry{
		KeyID:     types.KeyID{0x01},
		PublicKey: types.OffchainPublicKey{0xAA},
		ChainAddr: types.ChainAddress{0xBB},
	}
	require.NoError(t, n.RegisterAccount(entry))

	got, ok, err := n.store.Account(entry.KeyID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, got)

	pub, _, ok := n.mapper.ByKeyID(entry.KeyID)
	require.True(t, ok)
	assert.Equal(t, entry.PublicKey, pub)

	ch := types.NewChannel(types.ChainAddress{0x01}, types.ChainAddress{0x02}, currency.FromUint64[currency.HOPRToken](100), 1)
	require.NoError(t, n.RegisterChannel(ch))

	stored, ok, err := n.store.Channel(ch.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Balance.Cmp(ch.Balance) == 0)
}

func TestRehydrationReplaysPersistedStateOnRestart(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	n1, err := New(cfg, chainview.NewMemView(currency.Zero[currency.HOPRToken](), types.WinProb(0)), stubSubmitter{})
	require.NoError(t, err)
	entry := types.AccountEntry{KeyID: types.KeyID{0x05}, PublicKey: types.OffchainPublicKey{0xCC}, ChainAddr: types.ChainAddress{0xDD}}
	require.NoError(t, n1.RegisterAccount(entry))
	n1.Shutdown()

	cfg2, err := config.Load(cfgPath)
	require.NoError(t, err)
	n2, err := New(cfg2, chainview.NewMemView(currency.Zero[currency.HOPRToken](), types.WinProb(0)), stubSubmitter{})
	require.NoError(t, err)
	defer n2.Shutdown()

	pub, _, ok := n2.mapper.ByKeyID(entry.KeyID)
	require.True(t, ok)
	assert.Equal(t, entry.PublicKey, pub)
}

func TestOpenSessionAndCloseSessionTrackActiveSessions(t *testing.T) {
	n := newTestNode(t)

	sock, err := n.OpenSession("sess-1", discardDownstream{})
	require.NoError(t, err)
	require.NotNil(t, sock)

	require.NoError(t, n.CloseSession("sess-1"))
}

type discardDownstream struct{}

func (discardDownstream) Send(wire []byte) error { return nil }

var _ session.Downstream = discardDownstream{}
