// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package auth_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/polystore/polystore/internal/auth"
	"github.com/polystore/polystore/internal/auth/mocks"
)

func TestNewSweeper(t *testing.T) {
	t.Run("rejects nil repositories", func(t *testing.T) {
		resets := mocks.NewMockPasswordResetRepository(t)
		_, err := auth.NewSweeper(nil, resets, time.Minute, nil)
		assert.Error(t, err)

		sessions := mocks.NewMockSessionRepository(t)
		_, err = auth.NewSweeper(sessions, nil, time.Minute, nil)
		assert.Error(t, err)
	})

	t.Run("non-positive interval falls back to default", func(t *testing.T) {
		sessions := mocks.NewMockSessionRepository(t)
		resets := mocks.NewMockPasswordResetRepository(t)

		sweeper, err := auth.NewSweeper(sessions, resets, 0, nil)
		require.NoError(t, err)
		assert.NotNil(t, sweeper)
	})
}

func TestSweeper_SweepOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes expired sessions and resets", func(t *testing.T) {
		sessions := mocks.NewMockSessionRepository(t)
		resets := mocks.NewMockPasswordResetRepository(t)
		sweeper, err := auth.NewSweeper(sessions, resets, time.Minute, nil)
		require.NoError(t, err)

		sessions.On("DeleteExpired", ctx).Return(int64(3), nil)
		resets.On("DeleteExpired", ctx).Return(int64(1), nil)

		sweeper.SweepOnce(ctx)
	})

	t.Run("a failing store does not stop the other sweep", func(t *testing.T) {
		sessions := mocks.NewMockSessionRepository(t)
		resets := mocks.NewMockPasswordResetRepository(t)
		sweeper, err := auth.NewSweeper(sessions, resets, time.Minute, nil)
		require.NoError(t, err)

		sessions.On("DeleteExpired", ctx).Return(int64(0), errors.New("connection refused"))
		resets.On("DeleteExpired", ctx).Return(int64(2), nil)

		sweeper.SweepOnce(ctx)
	})
}

func TestSweeper_Run(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("sweeps at startup and stops on cancellation", func(t *testing.T) {
		sessions := mocks.NewMockSessionRepository(t)
		resets := mocks.NewMockPasswordResetRepository(t)
		sweeper, err := auth.NewSweeper(sessions, resets, time.Hour, nil)
		require.NoError(t, err)

		var sweeps atomic.Int32
		sessions.On("DeleteExpired", mock.Anything).Run(func(mock.Arguments) {
			sweeps.Add(1)
		}).Return(int64(0), nil)
		resets.On("DeleteExpired", mock.Anything).Return(int64(0), nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			sweeper.Run(ctx)
			close(done)
		}()

		// The startup sweep fires before the first tick.
		assert.Eventually(t, func() bool {
			return sweeps.Load() >= 1
		}, time.Second, 10*time.Millisecond)

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("sweeper did not stop after context cancellation")
		}
	})
}
