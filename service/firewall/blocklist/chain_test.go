package blocklist

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTable is an in-memory iptables.
type fakeTable struct {
	chains    map[string][]string
	policies  map[string]string
	appendErr error
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		chains: map[string][]string{
			"filter/INPUT": {"-p tcp --dport 22 -j ACCEPT"},
		},
		policies: map[string]string{
			"filter/INPUT":   "ACCEPT",
			"filter/FORWARD": "DROP",
			"filter/OUTPUT":  "ACCEPT",
			"mangle/INPUT":   "ACCEPT",
		},
	}
}

func key(table, chain string) string { return table + "/" + chain }

// ruleText joins a rulespec the way iptables -S prints it.
func ruleText(rulespec []string) string {
	quoted := make([]string, 0, len(rulespec))
	for _, arg := range rulespec {
		if strings.Contains(arg, " ") {
			arg = strconv.Quote(arg)
		}
		quoted = append(quoted, arg)
	}
	return strings.Join(quoted, " ")
}

func (ft *fakeTable) Exists(table, chain string, rulespec ...string) (bool, error) {
	return slices.Contains(ft.chains[key(table, chain)], ruleText(rulespec)), nil
}

func (ft *fakeTable) Insert(table, chain string, pos int, rulespec ...string) error {
	rules := ft.chains[key(table, chain)]
	ft.chains[key(table, chain)] = slices.Insert(rules, pos-1, ruleText(rulespec))
	return nil
}

func (ft *fakeTable) Append(table, chain string, rulespec ...string) error {
	if ft.appendErr != nil {
		return ft.appendErr
	}
	k := key(table, chain)
	ft.chains[k] = append(ft.chains[k], ruleText(rulespec))
	return nil
}

func (ft *fakeTable) Delete(table, chain string, rulespec ...string) error {
	k := key(table, chain)
	i := slices.Index(ft.chains[k], ruleText(rulespec))
	if i < 0 {
		return errors.New("Bad rule (does a matching rule exist in that chain?)")
	}
	ft.chains[k] = slices.Delete(ft.chains[k], i, i+1)
	return nil
}

func (ft *fakeTable) List(table, chain string) ([]string, error) {
	k := key(table, chain)
	rules, ok := ft.chains[k]
	policy, builtin := ft.policies[k]
	if !ok && !builtin {
		return nil, errors.New("No chain/target/match by that name.")
	}

	var lines []string
	if builtin {
		lines = append(lines, "-P "+chain+" "+policy)
	} else {
		lines = append(lines, "-N "+chain)
	}
	for _, rule := range rules {
		lines = append(lines, "-A "+chain+" "+rule)
	}
	return lines, nil
}

func (ft *fakeTable) ListChains(table string) ([]string, error) {
	var names []string
	for k := range ft.chains {
		names = append(names, k)
	}
	for k := range ft.policies {
		names = append(names, k)
	}

	var chains []string
	for _, k := range names {
		if chain, ok := strings.CutPrefix(k, table+"/"); ok && !slices.Contains(chains, chain) {
			chains = append(chains, chain)
		}
	}
	slices.Sort(chains)
	return chains, nil
}

func (ft *fakeTable) ClearChain(table, chain string) error {
	ft.chains[key(table, chain)] = []string{}
	return nil
}

func (ft *fakeTable) DeleteChain(table, chain string) error {
	delete(ft.chains, key(table, chain))
	return nil
}

func (ft *fakeTable) ChainExists(table, chain string) (bool, error) {
	_, ok := ft.chains[key(table, chain)]
	return ok, nil
}

func (ft *fakeTable) ChangePolicy(table, chain, target string) error {
	ft.policies[key(table, chain)] = target
	return nil
}

func TestChainFilterSetupAndTeardown(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	cf := newChainFilter(ft, "PORTGUARD-BLOCK", nil)
	ctx := context.Background()

	require.NoError(t, cf.Setup(ctx))
	require.NoError(t, cf.Setup(ctx))
	assert.Equal(t, []string{"-j PORTGUARD-BLOCK", "-p tcp --dport 22 -j ACCEPT"}, ft.chains["filter/INPUT"])
	assert.Empty(t, ft.chains["filter/PORTGUARD-BLOCK"])

	require.NoError(t, cf.Block(ctx, netip.MustParseAddr("203.0.113.5"), NoExpiry))
	require.NoError(t, cf.Teardown(ctx))
	assert.Equal(t, []string{"-p tcp --dport 22 -j ACCEPT"}, ft.chains["filter/INPUT"])
	_, exists := ft.chains["filter/PORTGUARD-BLOCK"]
	assert.False(t, exists)
	assert.Empty(t, cf.Records())
}

func TestChainFilterBlock(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	var flushed []netip.Addr
	cf := newChainFilter(ft, "PORTGUARD-BLOCK", func(addr netip.Addr) error {
		flushed = append(flushed, addr)
		return nil
	})
	ctx := context.Background()
	require.NoError(t, cf.Setup(ctx))
	addr := netip.MustParseAddr("203.0.113.5")

	require.NoError(t, cf.Block(ctx, addr, NoExpiry))
	assert.Equal(t, []string{
		"-s 203.0.113.5/32 -m comment --comment portguard -j DROP",
	}, ft.chains["filter/PORTGUARD-BLOCK"])
	assert.Equal(t, []netip.Addr{addr}, flushed)

	rec, ok := cf.Active(addr)
	require.True(t, ok)
	assert.Equal(t, KindPermanent, rec.Kind)
	assert.True(t, rec.Expires.IsZero())
	assert.Equal(t, Permanent{}, rec.EnforcementKind())

	// Blocking again replaces the rule instead of duplicating it.
	require.NoError(t, cf.Block(ctx, addr, 6*time.Hour))
	assert.Len(t, ft.chains["filter/PORTGUARD-BLOCK"], 1)
	rec, ok = cf.Active(addr)
	require.True(t, ok)
	assert.Equal(t, KindTemporary, rec.Kind)
	assert.False(t, rec.Expires.IsZero())
}

func TestChainFilterBlockWithFailingFlush(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	cf := newChainFilter(ft, "PORTGUARD-BLOCK", func(netip.Addr) error {
		return errors.New("conntrack: EPERM")
	})
	ctx := context.Background()
	require.NoError(t, cf.Setup(ctx))
	addr := netip.MustParseAddr("203.0.113.5")

	// The drop rule is installed, so the command must report success.
	require.NoError(t, cf.Block(ctx, addr, NoExpiry))
	rec, ok := cf.Active(addr)
	require.True(t, ok)
	assert.Equal(t, KindPermanent, rec.Kind)
	assert.Equal(t, []string{
		"-s 203.0.113.5/32 -m comment --comment portguard -j DROP",
	}, ft.chains["filter/PORTGUARD-BLOCK"])

	require.NoError(t, cf.Unblock(ctx, addr))
	_, ok = cf.Active(addr)
	assert.False(t, ok)
	assert.Empty(t, ft.chains["filter/PORTGUARD-BLOCK"])
}

func TestChainFilterRateLimit(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	cf := newChainFilter(ft, "PORTGUARD-BLOCK", nil)
	ctx := context.Background()
	require.NoError(t, cf.Setup(ctx))
	addr := netip.MustParseAddr("198.51.100.7")

	require.NoError(t, cf.RateLimit(ctx, addr, 10, 5*time.Minute))
	assert.Equal(t, []string{
		"-s 198.51.100.7/32 -p tcp -m conntrack --ctstate NEW -m recent --set --name PG-198-51-100-7 -m comment --comment portguard",
		"-s 198.51.100.7/32 -p tcp -m conntrack --ctstate NEW -m recent --rcheck --seconds 300 --hitcount 11 --name PG-198-51-100-7 -m comment --comment portguard -j DROP",
	}, ft.chains["filter/PORTGUARD-BLOCK"])

	rec, ok := cf.Active(addr)
	require.True(t, ok)
	assert.Equal(t, RateLimited{Limit: 10, Window: 5 * time.Minute}, rec.EnforcementKind())

	require.NoError(t, cf.Unblock(ctx, addr))
	assert.Empty(t, ft.chains["filter/PORTGUARD-BLOCK"])
}

func TestChainFilterUnblockIsIdempotent(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	cf := newChainFilter(ft, "PORTGUARD-BLOCK", nil)
	ctx := context.Background()
	require.NoError(t, cf.Setup(ctx))
	addr := netip.MustParseAddr("203.0.113.5")

	require.NoError(t, cf.Unblock(ctx, addr))

	require.NoError(t, cf.Block(ctx, addr, NoExpiry))
	require.NoError(t, cf.Unblock(ctx, addr))
	require.NoError(t, cf.Unblock(ctx, addr))
	_, ok := cf.Active(addr)
	assert.False(t, ok)
	assert.Empty(t, ft.chains["filter/PORTGUARD-BLOCK"])
}

func TestChainFilterCommandFailure(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	cf := newChainFilter(ft, "PORTGUARD-BLOCK", nil)
	ctx := context.Background()
	require.NoError(t, cf.Setup(ctx))
	addr := netip.MustParseAddr("203.0.113.5")

	errXtables := errors.New("xtables lock held")
	ft.appendErr = errXtables
	err := cf.Block(ctx, addr, NoExpiry)
	require.ErrorIs(t, err, ErrFilterCommandFailed)
	require.ErrorIs(t, err, errXtables)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, ActionBlock, cmdErr.Action)
	assert.Equal(t, addr, cmdErr.Addr)

	_, ok := cf.Active(addr)
	assert.False(t, ok)
}

func TestChainFilterExpire(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	cf := newChainFilter(ft, "PORTGUARD-BLOCK", nil)
	now := time.Now()
	cf.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, cf.Setup(ctx))

	temp := netip.MustParseAddr("203.0.113.5")
	perm := netip.MustParseAddr("203.0.113.6")
	require.NoError(t, cf.Block(ctx, temp, time.Hour))
	require.NoError(t, cf.Block(ctx, perm, NoExpiry))

	expired, err := cf.Expire(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = cf.Expire(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{temp}, expired)
	assert.Equal(t, []string{
		"-s 203.0.113.6/32 -m comment --comment portguard -j DROP",
	}, ft.chains["filter/PORTGUARD-BLOCK"])
}

func TestChainFilterStealthMode(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	cf := newChainFilter(ft, "PORTGUARD-BLOCK", nil)
	cf.stealth = true
	cf.stealthPorts = []uint16{23, 445}
	ctx := context.Background()

	require.NoError(t, cf.Setup(ctx))
	require.NoError(t, cf.Setup(ctx))
	assert.Equal(t, []string{
		"-j PORTGUARD-BLOCK-STEALTH",
		"-j PORTGUARD-BLOCK",
		"-p tcp --dport 22 -j ACCEPT",
	}, ft.chains["filter/INPUT"])
	assert.Equal(t, []string{
		"-p icmp --icmp-type echo-request -m comment --comment portguard -j DROP",
		"-p tcp --dport 23 -m comment --comment portguard -j DROP",
		"-p tcp --dport 445 -m comment --comment portguard -j DROP",
	}, ft.chains["filter/PORTGUARD-BLOCK-STEALTH"])
	assert.Equal(t, []string{"-j PORTGUARD-BLOCK-RST"}, ft.chains["filter/OUTPUT"])
	assert.Equal(t, []string{
		"-p tcp --tcp-flags RST RST -m comment --comment portguard -j DROP",
	}, ft.chains["filter/PORTGUARD-BLOCK-RST"])

	// Disabling stealth mode removes the chains on the next start.
	cf.stealth = false
	require.NoError(t, cf.Setup(ctx))
	assert.Equal(t, []string{"-j PORTGUARD-BLOCK", "-p tcp --dport 22 -j ACCEPT"}, ft.chains["filter/INPUT"])
	assert.Empty(t, ft.chains["filter/OUTPUT"])
	_, exists := ft.chains["filter/PORTGUARD-BLOCK-STEALTH"]
	assert.False(t, exists)
	_, exists = ft.chains["filter/PORTGUARD-BLOCK-RST"]
	assert.False(t, exists)
}

func TestChainFilterLockdown(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	cf := newChainFilter(ft, "PORTGUARD-BLOCK", nil)
	ctx := context.Background()
	require.NoError(t, cf.Setup(ctx))
	assert.False(t, cf.Lockdown())

	changed, err := cf.SetLockdown(ctx, true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, cf.Lockdown())
	assert.Equal(t, []string{
		"-j PORTGUARD-BLOCK-LOCK",
		"-j PORTGUARD-BLOCK",
		"-p tcp --dport 22 -j ACCEPT",
	}, ft.chains["filter/INPUT"])
	assert.Equal(t, []string{
		"-i lo -j RETURN",
		"-m conntrack --ctstate NEW -m comment --comment portguard -j DROP",
	}, ft.chains["filter/PORTGUARD-BLOCK-LOCK"])

	changed, err = cf.SetLockdown(ctx, true)
	require.NoError(t, err)
	assert.False(t, changed)

	// A restarted filter picks up the lockdown.
	restarted := newChainFilter(ft, "PORTGUARD-BLOCK", nil)
	require.NoError(t, restarted.Setup(ctx))
	assert.True(t, restarted.Lockdown())

	changed, err = restarted.SetLockdown(ctx, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, restarted.Lockdown())
	assert.Equal(t, []string{"-j PORTGUARD-BLOCK", "-p tcp --dport 22 -j ACCEPT"}, ft.chains["filter/INPUT"])
	_, exists := ft.chains["filter/PORTGUARD-BLOCK-LOCK"]
	assert.False(t, exists)
}

func TestChainFilterLockdownFailure(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	cf := newChainFilter(ft, "PORTGUARD-BLOCK", nil)
	ctx := context.Background()
	require.NoError(t, cf.Setup(ctx))

	ft.appendErr = errors.New("xtables lock held")
	changed, err := cf.SetLockdown(ctx, true)
	require.ErrorIs(t, err, ErrFilterCommandFailed)
	assert.False(t, changed)
	assert.False(t, cf.Lockdown())

	// Nothing is left of the failed attempt.
	assert.Equal(t, []string{"-j PORTGUARD-BLOCK", "-p tcp --dport 22 -j ACCEPT"}, ft.chains["filter/INPUT"])
	_, exists := ft.chains["filter/PORTGUARD-BLOCK-LOCK"]
	assert.False(t, exists)
}

func TestBackupAndRestore(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	ft.chains["filter/INPUT"] = append(ft.chains["filter/INPUT"], `-m comment --comment "keep me" -j ACCEPT`)

	saved, err := saveRules(ft, BackupTables)
	require.NoError(t, err)
	assert.Equal(t, `*filter
:FORWARD DROP [0:0]
:INPUT ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
-A INPUT -p tcp --dport 22 -j ACCEPT
-A INPUT -m comment --comment "keep me" -j ACCEPT
COMMIT
*mangle
:INPUT ACCEPT [0:0]
COMMIT
`, string(saved))

	// Change everything, then restore.
	cf := newChainFilter(ft, "PORTGUARD-BLOCK", nil)
	cf.stealth = true
	ctx := context.Background()
	require.NoError(t, cf.Setup(ctx))
	require.NoError(t, cf.Block(ctx, netip.MustParseAddr("203.0.113.5"), NoExpiry))
	_, err = cf.SetLockdown(ctx, true)
	require.NoError(t, err)
	require.NoError(t, ft.ChangePolicy("filter", "FORWARD", "ACCEPT"))

	require.NoError(t, restoreRules(ft, saved))
	restored, err := saveRules(ft, BackupTables)
	require.NoError(t, err)
	assert.Equal(t, string(saved), string(restored))
	for k := range ft.chains {
		assert.NotContains(t, k, "PORTGUARD")
	}
}

func TestRestoreRejectsInvalidBackup(t *testing.T) {
	t.Parallel()

	ft := newFakeTable()
	for _, data := range []string{
		"-A INPUT -j DROP\n",
		"*filter\n:INPUT ACCEPT [0:0]\n",
		"*filter\n-I INPUT -j DROP\nCOMMIT\n",
	} {
		assert.Error(t, restoreRules(ft, []byte(data)), data)
	}
	// Nothing was touched.
	assert.Equal(t, []string{"-p tcp --dport 22 -j ACCEPT"}, ft.chains["filter/INPUT"])
}

func TestLatestBackup(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "backup")
	_, err := LatestBackup(dir)
	require.ErrorIs(t, err, ErrNoBackup)

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := writeBackup(dir, []byte("*filter\nCOMMIT\n"), t0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "iptables-20240301-120000.rules"), first)
	second, err := writeBackup(dir, []byte("*filter\nCOMMIT\n"), t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o0600))

	latest, err := LatestBackup(dir)
	require.NoError(t, err)
	assert.Equal(t, second, latest)
}
