package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyDeterministic(t *testing.T) {
	s := New(nil)

	origin := "vendor/framework/router.go:10\napp/handlers/user.go:42 in getUser"
	k1 := s.Key("NullPointerError", origin, map[string]any{"request_id": "a"})
	k2 := s.Key("NullPointerError", origin, map[string]any{"request_id": "b"})

	assert.Equal(t, k1, k2, "identical type and origin must yield identical keys")
	require.Len(t, k1, 16)
}

func TestKeySkipsLibraryFrames(t *testing.T) {
	s := New(nil)

	withVendor := s.Key("TimeoutError", "vendor/lib/pool.go:7\napp/db/query.go:12", nil)
	without := s.Key("TimeoutError", "app/db/query.go:12", nil)

	assert.Equal(t, without, withVendor, "library frames must not influence the key")
}

func TestKeyNormalizesFrameNoise(t *testing.T) {
	s := New(nil)

	a := s.Key("ValueError", "App/Handlers/User.go:42:13 in getUser", nil)
	b := s.Key("valueerror", "app/handlers/user.go:42", nil)

	assert.Equal(t, a, b)
}

func TestKeyDifferentTypesDiffer(t *testing.T) {
	s := New(nil)

	a := s.Key("ValueError", "app/handlers/user.go:42", nil)
	b := s.Key("TypeError", "app/handlers/user.go:42", nil)

	assert.NotEqual(t, a, b)
}

func TestKeyAllLibraryFramesStillGroups(t *testing.T) {
	s := New(nil)

	origin := "vendor/a/x.go:1\nvendor/b/y.go:2"
	assert.Equal(t, s.Key("E", origin, nil), s.Key("E", origin, nil))
	assert.NotEmpty(t, s.Key("E", origin, nil))
}

func TestFallbackDerivedFromTypeOnly(t *testing.T) {
	assert.Equal(t, Fallback("DbError"), Fallback("  dberror "))
	assert.NotEqual(t, Fallback("DbError"), Fallback("NetError"))
}

func TestKeyEmptyOrigin(t *testing.T) {
	s := New(nil)
	assert.NotEmpty(t, s.Key("E", "", nil))
	assert.Equal(t, s.Key("E", "", nil), s.Key("E", "", nil))
}
