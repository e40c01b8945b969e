// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package store

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMigrate implements migrateIface for unit tests.
type fakeMigrate struct {
	upErr      error
	downErr    error
	stepsErr   error
	version    uint
	dirty      bool
	versionErr error
	forceErr   error
	closeSrc   error
	closeDB    error

	forcedTo *int
}

func (f *fakeMigrate) Up() error         { return f.upErr }
func (f *fakeMigrate) Down() error       { return f.downErr }
func (f *fakeMigrate) Steps(int) error   { return f.stepsErr }
func (f *fakeMigrate) Force(v int) error { f.forcedTo = &v; return f.forceErr }

func (f *fakeMigrate) Version() (uint, bool, error) {
	return f.version, f.dirty, f.versionErr
}

func (f *fakeMigrate) Close() (error, error) {
	return f.closeSrc, f.closeDB
}

func TestMigrator_Up(t *testing.T) {
	t.Run("applies migrations", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{}}
		assert.NoError(t, m.Up())
	})

	t.Run("no change is not an error", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{upErr: migrate.ErrNoChange}}
		assert.NoError(t, m.Up())
	})

	t.Run("failure is wrapped", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{upErr: errors.New("syntax error")}}
		err := m.Up()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "syntax error")
	})
}

func TestMigrator_Down(t *testing.T) {
	t.Run("no change is not an error", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{downErr: migrate.ErrNoChange}}
		assert.NoError(t, m.Down())
	})

	t.Run("failure is wrapped", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{downErr: errors.New("locked")}}
		assert.Error(t, m.Down())
	})
}

func TestMigrator_Version(t *testing.T) {
	t.Run("returns current version", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{version: 2, dirty: true}}
		version, dirty, err := m.Version()
		require.NoError(t, err)
		assert.Equal(t, uint(2), version)
		assert.True(t, dirty)
	})

	t.Run("nil version means zero", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{versionErr: migrate.ErrNilVersion}}
		version, dirty, err := m.Version()
		require.NoError(t, err)
		assert.Equal(t, uint(0), version)
		assert.False(t, dirty)
	})
}

func TestMigrator_Force(t *testing.T) {
	t.Run("forces the version", func(t *testing.T) {
		fake := &fakeMigrate{}
		m := &Migrator{m: fake}
		require.NoError(t, m.Force(2))
		require.NotNil(t, fake.forcedTo)
		assert.Equal(t, 2, *fake.forcedTo)
	})

	t.Run("rejects negative versions", func(t *testing.T) {
		fake := &fakeMigrate{}
		m := &Migrator{m: fake}
		require.Error(t, m.Force(-1))
		assert.Nil(t, fake.forcedTo, "underlying migrator is never called")
	})
}

func TestMigrator_Close(t *testing.T) {
	t.Run("clean close", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{}}
		assert.NoError(t, m.Close())
	})

	t.Run("source error is reported", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{closeSrc: errors.New("source gone")}}
		assert.Error(t, m.Close())
	})

	t.Run("both errors are reported", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{closeSrc: errors.New("a"), closeDB: errors.New("b")}}
		err := m.Close()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "a")
		assert.Contains(t, err.Error(), "b")
	})
}

func TestPendingMigrations(t *testing.T) {
	t.Run("fresh database has all migrations pending", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{versionErr: migrate.ErrNilVersion}}
		pending, err := m.PendingMigrations()
		require.NoError(t, err)
		assert.Equal(t, []uint{1, 2}, pending)
	})

	t.Run("partially migrated database has the remainder", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{version: 1}}
		pending, err := m.PendingMigrations()
		require.NoError(t, err)
		assert.Equal(t, []uint{2}, pending)
	})

	t.Run("current database has none", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{version: 2}}
		pending, err := m.PendingMigrations()
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestAllMigrationVersions(t *testing.T) {
	versions, err := allMigrationVersions()
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2}, versions, "every up migration has a version")
}
