package upkeep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/lottery_engine/services/lottery"
)

type fakeEngine struct {
	mu          sync.Mutex
	ready       bool
	state       lottery.LotteryState
	performErr  error
	cancelErr   error
	performs    int
	cancels     int
	lastData    []byte
	performedCh chan struct{}
}

func (f *fakeEngine) CheckUpkeep(context.Context) (bool, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return false, nil
	}
	return true, []byte("7")
}

func (f *fakeEngine) PerformUpkeep(_ context.Context, data []byte) (lottery.RequestToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.performs++
	f.lastData = data
	if f.performedCh != nil {
		select {
		case f.performedCh <- struct{}{}:
		default:
		}
	}
	if f.performErr != nil {
		return "", f.performErr
	}
	f.ready = false
	f.state = lottery.StateSettling
	return "req-1", nil
}

func (f *fakeEngine) CancelSettlement(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.state = lottery.StateOpen
	return nil
}

func (f *fakeEngine) State() lottery.LotteryState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func newKeeper(t *testing.T, target Upkeeper, cfg Config) *Keeper {
	t.Helper()
	k, err := New(target, cfg, nil)
	require.NoError(t, err)
	return k
}

func TestRunOnce_Idle(t *testing.T) {
	f := &fakeEngine{}
	k := newKeeper(t, f, Config{})

	res := k.RunOnce(context.Background())
	assert.Equal(t, OutcomeIdle, res.Outcome)
	assert.Equal(t, 0, f.performs)
}

func TestRunOnce_Performs(t *testing.T) {
	f := &fakeEngine{ready: true}
	k := newKeeper(t, f, Config{})

	res := k.RunOnce(context.Background())
	assert.Equal(t, OutcomePerformed, res.Outcome)
	assert.Equal(t, lottery.RequestToken("req-1"), res.Request)
	assert.Equal(t, []byte("7"), f.lastData)
	assert.Equal(t, res, k.LastRun())

	res = k.RunOnce(context.Background())
	assert.Equal(t, OutcomeIdle, res.Outcome)
	assert.Equal(t, 1, f.performs)
}

func TestRunOnce_RaceIsIdle(t *testing.T) {
	f := &fakeEngine{ready: true, performErr: lottery.ErrUpkeepNotNeeded}
	k := newKeeper(t, f, Config{})
	assert.Equal(t, OutcomeIdle, k.RunOnce(context.Background()).Outcome)
}

func TestRunOnce_Failure(t *testing.T) {
	f := &fakeEngine{ready: true, performErr: errors.New("oracle down")}
	k := newKeeper(t, f, Config{})

	res := k.RunOnce(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "oracle down")
}

func TestRunOnce_CancelStuck(t *testing.T) {
	f := &fakeEngine{state: lottery.StateSettling}

	k := newKeeper(t, f, Config{})
	assert.Equal(t, OutcomeIdle, k.RunOnce(context.Background()).Outcome)
	assert.Equal(t, 0, f.cancels, "cancellation is opt-in")

	k = newKeeper(t, f, Config{CancelStuck: true})
	f.cancelErr = lottery.ErrSettlementNotCancellable
	assert.Equal(t, OutcomeFailed, k.RunOnce(context.Background()).Outcome)

	f.cancelErr = nil
	assert.Equal(t, OutcomeCancelled, k.RunOnce(context.Background()).Outcome)
	assert.Equal(t, lottery.StateOpen, f.State())
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeEngine{}, Config{Schedule: "not a schedule"}, nil)
	assert.Error(t, err)
	_, err = New(nil, Config{}, nil)
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	f := &fakeEngine{ready: true, performedCh: make(chan struct{}, 1)}
	k := newKeeper(t, f, Config{Schedule: "@every 1s"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, k.Start(ctx))
	assert.True(t, k.IsRunning())
	assert.Error(t, k.Start(ctx))

	select {
	case <-f.performedCh:
	case <-time.After(3 * time.Second):
		t.Fatal("keeper did not perform upkeep")
	}

	k.Stop()
	assert.False(t, k.IsRunning())
	k.Stop()
}
