package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/faults"
)

type fakeHandle struct {
	cookies []browser.Cookie
	applied [][]browser.Cookie
}

func (h *fakeHandle) NewPage(ctx context.Context) (browser.Page, error) { return nil, nil }
func (h *fakeHandle) Connected() bool                                   { return true }
func (h *fakeHandle) SetCookies(ctx context.Context, c []browser.Cookie) error {
	h.applied = append(h.applied, c)
	return nil
}
func (h *fakeHandle) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	return h.cookies, nil
}
func (h *fakeHandle) Close() error { return nil }

func testCookies() []browser.Cookie {
	return []browser.Cookie{
		{Name: "auth_token", Value: "deadbeef", Domain: ".x.com", Path: "/", Secure: true, HTTPOnly: true,
			Expires: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Name: "ct0", Value: "csrf123", Domain: ".x.com", Path: "/"},
	}
}

func newTestJar(t *testing.T) (*Jar, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TALON_SESSION_KEY", strings.Repeat("ab", 32))
	j, err := New(config.SessionsConfig{Dir: dir, KeyEnv: "TALON_SESSION_KEY"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, j.Enabled())
	return j, dir
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	j, dir := newTestJar(t)
	ctx := context.Background()

	src := &fakeHandle{cookies: testCookies()}
	require.NoError(t, j.Save(ctx, "alice", src))

	raw, err := os.ReadFile(filepath.Join(dir, "alice.session"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("auth_token")), "cookies must not be readable on disk")
	assert.False(t, bytes.Contains(raw, []byte("deadbeef")))

	dst := &fakeHandle{}
	restored, err := j.Restore(ctx, "alice", dst)
	require.NoError(t, err)
	assert.True(t, restored)
	require.Len(t, dst.applied, 1)
	assert.Equal(t, testCookies(), dst.applied[0])
}

func TestRestoreMissingJarStartsLoggedOut(t *testing.T) {
	j, _ := newTestJar(t)

	dst := &fakeHandle{}
	restored, err := j.Restore(context.Background(), "nobody", dst)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Empty(t, dst.applied)
}

func TestTamperedJarFailsAuthentication(t *testing.T) {
	j, dir := newTestJar(t)
	ctx := context.Background()
	require.NoError(t, j.Save(ctx, "alice", &fakeHandle{cookies: testCookies()}))

	path := filepath.Join(dir, "alice.session")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var sealed sealedJar
	require.NoError(t, json.Unmarshal(raw, &sealed))
	sealed.Ciphertext[0] ^= 0xff
	mangled, err := json.Marshal(sealed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, mangled, 0o600))

	restored, err := j.Restore(ctx, "alice", &fakeHandle{})
	assert.False(t, restored)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindValidation))
}

func TestJarIsBoundToItsProfile(t *testing.T) {
	j, dir := newTestJar(t)
	ctx := context.Background()
	require.NoError(t, j.Save(ctx, "alice", &fakeHandle{cookies: testCookies()}))

	// A jar copied onto another profile's path must not open.
	require.NoError(t, os.Rename(
		filepath.Join(dir, "alice.session"),
		filepath.Join(dir, "bob.session")))

	restored, err := j.Restore(ctx, "bob", &fakeHandle{})
	assert.False(t, restored)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindValidation))
}

func TestMissingKeyDisablesPersistence(t *testing.T) {
	t.Setenv("TALON_SESSION_KEY", "")
	j, err := New(config.SessionsConfig{Dir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, j.Enabled())

	ctx := context.Background()
	err = j.Save(ctx, "alice", &fakeHandle{cookies: testCookies()})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindValidation))

	dst := &fakeHandle{}
	restored, err := j.Restore(ctx, "alice", dst)
	require.NoError(t, err)
	assert.False(t, restored)

	// The launch hook still works, it just starts logged out.
	require.NoError(t, j.Hook("alice")(ctx, dst))
	assert.Empty(t, dst.applied)
}

func TestMalformedKeyRejected(t *testing.T) {
	for _, key := range []string{"not-hex-at-all", "abcd"} {
		t.Setenv("TALON_SESSION_KEY", key)
		_, err := New(config.SessionsConfig{Dir: t.TempDir()}, zaptest.NewLogger(t))
		require.Error(t, err, "key %q", key)
		assert.True(t, faults.IsKind(err, faults.KindValidation))
	}
}

func TestHookRestoresOnLaunch(t *testing.T) {
	j, dir := newTestJar(t)
	ctx := context.Background()
	require.NoError(t, j.Save(ctx, "alice", &fakeHandle{cookies: testCookies()}))

	dst := &fakeHandle{}
	require.NoError(t, j.Hook("alice")(ctx, dst))
	require.Len(t, dst.applied, 1)

	// A corrupt jar degrades to a logged-out launch instead of failing it.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.session"), []byte("junk"), 0o600))
	fresh := &fakeHandle{}
	require.NoError(t, j.Hook("alice")(ctx, fresh))
	assert.Empty(t, fresh.applied)
}

func TestDeleteRemovesJar(t *testing.T) {
	j, _ := newTestJar(t)
	ctx := context.Background()
	require.NoError(t, j.Save(ctx, "alice", &fakeHandle{cookies: testCookies()}))
	require.NoError(t, j.Delete("alice"))

	restored, err := j.Restore(ctx, "alice", &fakeHandle{})
	require.NoError(t, err)
	assert.False(t, restored)

	assert.NoError(t, j.Delete("alice"), "deleting twice is fine")
}

func TestProfileNamesAreFilesystemSafe(t *testing.T) {
	j, _ := newTestJar(t)
	ctx := context.Background()
	for _, profile := range []string{"", "../escape", "a/b", "dot.dot", strings.Repeat("x", 65)} {
		err := j.Save(ctx, profile, &fakeHandle{})
		require.Error(t, err, "profile %q", profile)
		assert.True(t, faults.IsKind(err, faults.KindValidation))
	}
}
