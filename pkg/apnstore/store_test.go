package apnstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/apn"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "apn.db"), []byte("device-secret"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleConfig() apn.Config {
	return apn.Config{
		ProfileName:     "Operator Internet",
		Apn:             "internet",
		Types:           []string{apn.RoleDefault, apn.RoleSUPL},
		Mcc:             "240",
		Mnc:             "07",
		AuthType:        2,
		User:            "user",
		Password:        "s3cret",
		Protocol:        "IPV4V6",
		RoamingProtocol: "IP",
		Bearers:         []pkg.RadioTech{pkg.RadioTechLTE, pkg.RadioTechNR},
	}
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.Insert(ctx, sampleConfig())
	require.NoError(t, err)
	require.Positive(t, id)

	t.Run("get round trips every field", func(t *testing.T) {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		want := sampleConfig()
		want.ProfileID = id
		assert.Equal(t, want, got)
	})

	t.Run("password is encrypted at rest", func(t *testing.T) {
		var enc []byte
		require.NoError(t, s.db.QueryRow(`SELECT password_enc FROM apns WHERE profile_id = ?`, id).Scan(&enc))
		assert.NotContains(t, string(enc), "s3cret")
		assert.Greater(t, len(enc), nonceSize)
	})

	t.Run("update marks edited", func(t *testing.T) {
		cfg := sampleConfig()
		cfg.ProfileID = id
		cfg.Apn = "internet.edited"
		cfg.Password = ""
		require.NoError(t, s.Update(ctx, cfg))
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "internet.edited", got.Apn)
		assert.Empty(t, got.Password)
		assert.True(t, got.IsUserEdited)
	})

	t.Run("missing rows", func(t *testing.T) {
		_, err := s.Get(ctx, 999)
		assert.True(t, errors.Is(err, ErrNotFound))
		cfg := sampleConfig()
		cfg.ProfileID = 999
		assert.True(t, errors.Is(s.Update(ctx, cfg), ErrNotFound))
		assert.True(t, errors.Is(s.Delete(ctx, 999), ErrNotFound))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.SetPreferred(ctx, 0, id))
		require.NoError(t, s.Delete(ctx, id))
		_, err := s.Get(ctx, id)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.GetPreferred(ctx, 0)
		assert.True(t, errors.Is(err, ErrNotFound), "preferred entry follows the profile")
	})
}

func TestStore_QueryByNumeric(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a := sampleConfig()
	a.ProfileID = 10
	b := sampleConfig()
	b.ProfileID = 5
	b.Apn = "mms"
	b.Types = []string{apn.RoleMMS}
	other := sampleConfig()
	other.Mnc = "08"
	for _, cfg := range []apn.Config{a, b, other} {
		_, err := s.Insert(ctx, cfg)
		require.NoError(t, err)
	}

	got, err := s.QueryApns(ctx, "240", "07")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 5, got[0].ProfileID)
	assert.Equal(t, 10, got[1].ProfileID)

	none, err := s.QueryByNumeric(ctx, "999", "99")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_PreferredAndReset(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	carrier := sampleConfig()
	carrierID, err := s.Insert(ctx, carrier)
	require.NoError(t, err)
	edited := sampleConfig()
	edited.Apn = "custom"
	edited.IsUserEdited = true
	editedID, err := s.Insert(ctx, edited)
	require.NoError(t, err)

	_, err = s.PreferredApn(ctx, 1)
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.True(t, errors.Is(s.SetPreferred(ctx, 1, 4242), ErrNotFound))
	require.NoError(t, s.SetPreferred(ctx, 1, carrierID))
	require.NoError(t, s.SetPreferred(ctx, 1, editedID))
	require.NoError(t, s.SetPreferred(ctx, 0, carrierID))
	pref, err := s.GetPreferred(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, editedID, pref)

	require.NoError(t, s.ResetApns(ctx, 1))
	_, err = s.Get(ctx, editedID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.Get(ctx, carrierID)
	assert.NoError(t, err)
	_, err = s.GetPreferred(ctx, 1)
	assert.True(t, errors.Is(err, ErrNotFound))
	pref, err = s.GetPreferred(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, carrierID, pref, "other slots keep their preferred apn")

	assert.NotEmpty(t, s.Performance())
}

func TestStore_WrongSecret(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "apn.db")
	s, err := Open(path, []byte("one"), nil)
	require.NoError(t, err)
	id, err := s.Insert(ctx, sampleConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, []byte("two"), nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.Password)
	assert.Equal(t, "internet", got.Apn)

	_, err = Open(path, nil, nil)
	assert.Error(t, err)
}

func TestManager_LoadsFromStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.Insert(ctx, sampleConfig())
	require.NoError(t, err)
	require.NoError(t, s.SetPreferred(ctx, 0, id))

	m := apn.NewManager(0, s, nil)
	m.InitApnHolders()
	count := m.CreateApnItems(ctx, "24007")
	assert.Equal(t, 1, count)
	assert.Equal(t, id, m.PreferredID())
	require.NotNil(t, m.GetApnItemByID(id))
}
