/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
)

func TestLocker_Lock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, NodeLockKey("queue-drain", 7), "test-value")

	mock.ExpectSetNX("replicator:lock:queue-drain:node:7", "test-value", 5*time.Second).SetVal(true)

	err := locker.Lock(context.Background(), 5*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Lock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, NodeLockKey("queue-drain", 7), "test-value")

	mock.ExpectSetNX("replicator:lock:queue-drain:node:7", "test-value", 5*time.Second).SetVal(false)

	err := locker.Lock(context.Background(), 5*time.Second)
	assert.EqualError(t, err, "lock for key replicator:lock:queue-drain:node:7 is already held: lock already held")
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, NodeLockKey("queue-drain", 7), "test-value")

	// Simulate a successful unlock
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	mock.ExpectEval(script, []string{"replicator:lock:queue-drain:node:7"}, "test-value").SetVal(int64(1))

	err := locker.Unlock(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, NodeLockKey("queue-drain", 7), "test-value")

	// Simulate a failed unlock (either lock expired or not the lock holder)
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	mock.ExpectEval(script, []string{"replicator:lock:queue-drain:node:7"}, "test-value").SetVal(int64(0))

	err := locker.Unlock(context.Background())
	assert.EqualError(t, err, "unlock failed, either lock expired or you're not the lock holder for key replicator:lock:queue-drain:node:7")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_ExtendLock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, NodeLockKey("queue-drain", 7), "test-value")

	// Simulate successful lock extension
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
	mock.ExpectEval(script, []string{"replicator:lock:queue-drain:node:7"}, "test-value", "5000").SetVal(int64(1))

	err := locker.ExtendLock(context.Background(), 5*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_ExtendLock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, NodeLockKey("queue-drain", 7), "test-value")

	// Simulate failed lock extension (either lock expired or not the holder)
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
	mock.ExpectEval(script, []string{"replicator:lock:queue-drain:node:7"}, "test-value", "5000").SetVal(int64(0))

	err := locker.ExtendLock(context.Background(), 5*time.Second)
	assert.EqualError(t, err, "lock extension failed for key replicator:lock:queue-drain:node:7, either lock expired or you're not the holder")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WaitLock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, NodeLockKey("queue-drain", 7), "test-value")

	mock.ExpectSetNX("replicator:lock:queue-drain:node:7", "test-value", 5*time.Second).SetVal(true)

	err := locker.WaitLock(context.Background(), 5*time.Second, 2*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WaitLock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, NodeLockKey("queue-drain", 7), "test-value")

	// Simulate failure to acquire the lock within the wait timeout
	mock.ExpectSetNX("replicator:lock:queue-drain:node:7", "test-value", 5*time.Second).SetVal(false)

	err := locker.WaitLock(context.Background(), 5*time.Second, 500*time.Millisecond)
	assert.EqualError(t, err, "failed to acquire lock for key replicator:lock:queue-drain:node:7 within the wait timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeLockKey(t *testing.T) {
	assert.Equal(t, "replicator:lock:mode-switch:node:12", NodeLockKey("mode-switch", 12))
}

func TestLocker_WithLock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, NodeLockKey("queue-drain", 7), "worker-1")

	mock.ExpectSetNX("replicator:lock:queue-drain:node:7", "worker-1", time.Minute).SetVal(true)
	mock.ExpectEval(unlockScript, []string{"replicator:lock:queue-drain:node:7"}, "worker-1").SetVal(int64(1))

	called := false
	err := locker.WithLock(context.Background(), time.Minute, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WithLock_Held(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, NodeLockKey("queue-drain", 7), "worker-2")

	mock.ExpectSetNX("replicator:lock:queue-drain:node:7", "worker-2", time.Minute).SetVal(false)

	called := false
	err := locker.WithLock(context.Background(), time.Minute, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}
